package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facegate/facegate/internal/protocol"
	"github.com/facegate/facegate/internal/store"
)

func TestAdminHelloReacksDevices(t *testing.T) {
	f := newFixture(t)
	dev := f.connectDevice(t, "FG-001")

	op := newFakeSession("op-1")
	f.rt.Dispatch(op, []byte(`{"cmd":"admin_hello"}`))

	reply, ok := op.lastFrame(t).(protocol.Reply)
	require.True(t, ok)
	assert.Equal(t, "admin_hello", reply.Ret)
	assert.True(t, reply.Result)

	// Connected devices get a fresh registration ack so they know the
	// server still holds their session.
	frames := dev.frames()
	require.Len(t, frames, 1)
	_, ok = frames[0].(protocol.RegReply)
	assert.True(t, ok)
}

func TestAddUserRequiresConnectedDevice(t *testing.T) {
	f := newFixture(t)
	op := f.connectOperator(t, "console")

	f.rt.Dispatch(op, []byte(`{"cmd":"admin_add_user","deviceSn":"FG-404","name":"Dana"}`))

	reply, ok := op.lastFrame(t).(protocol.Reply)
	require.True(t, ok)
	assert.False(t, reply.Result)
	assert.Equal(t, "device not connected", reply.Error)
}

func TestAddUserRejectsConcurrentEnrollment(t *testing.T) {
	f := newFixture(t)
	f.connectDevice(t, "FG-001")
	op := f.connectOperator(t, "console")

	f.rt.Dispatch(op, []byte(`{"cmd":"admin_add_user","deviceSn":"FG-001","name":"Dana"}`))
	first, ok := op.lastFrame(t).(protocol.AdminAddUserReply)
	require.True(t, ok)
	require.True(t, first.Result)

	f.rt.Dispatch(op, []byte(`{"cmd":"admin_add_user","deviceSn":"FG-001","name":"Erin"}`))
	second, ok := op.lastFrame(t).(protocol.Reply)
	require.True(t, ok)
	assert.False(t, second.Result)
	assert.Contains(t, second.Error, "already pending")
	assert.Equal(t, 1, f.ctrl.PendingCount())
}

func TestDeleteUser(t *testing.T) {
	f := newFixture(t)
	op := f.connectOperator(t, "console")

	require.NoError(t, f.repo.UpsertUser(context.Background(), 1001, "Alice", 50, false, "img"))
	f.gallery.Upsert(1001, []float32{1, 0}, "Alice", true)

	f.rt.Dispatch(op, []byte(`{"cmd":"admin_delete_user","enrollId":1001}`))
	reply, ok := op.lastFrame(t).(protocol.Reply)
	require.True(t, ok)
	assert.True(t, reply.Result)

	_, found := f.gallery.Get(1001)
	assert.False(t, found)
	snap, err := f.repo.SnapshotActiveFaceUsers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap)

	// Deleting again fails.
	f.rt.Dispatch(op, []byte(`{"cmd":"admin_delete_user","enrollId":1001}`))
	reply = op.lastFrame(t).(protocol.Reply)
	assert.False(t, reply.Result)
}

func TestSetActive(t *testing.T) {
	f := newFixture(t)
	op := f.connectOperator(t, "console")

	require.NoError(t, f.repo.UpsertUser(context.Background(), 1001, "Alice", 50, false, "img"))
	f.gallery.Upsert(1001, []float32{1, 0}, "Alice", true)

	f.rt.Dispatch(op, []byte(`{"cmd":"admin_set_active","enrollId":1001,"active":false}`))
	reply := op.lastFrame(t).(protocol.Reply)
	assert.True(t, reply.Result)

	u, _ := f.gallery.Get(1001)
	assert.False(t, u.IsActive)
	snap, err := f.repo.SnapshotActiveFaceUsers(context.Background())
	require.NoError(t, err)
	assert.False(t, snap[1001])

	f.rt.Dispatch(op, []byte(`{"cmd":"admin_set_active","enrollId":4242,"active":true}`))
	reply = op.lastFrame(t).(protocol.Reply)
	assert.False(t, reply.Result)
}

func TestGetUser(t *testing.T) {
	f := newFixture(t)
	op := f.connectOperator(t, "console")

	f.gallery.Upsert(1001, []float32{1, 0}, "Alice", true)

	f.rt.Dispatch(op, []byte(`{"cmd":"admin_get_user","enrollId":1001}`))
	reply, ok := op.lastFrame(t).(protocol.AdminUserReply)
	require.True(t, ok)
	assert.True(t, reply.Result)
	assert.Equal(t, "Alice", reply.User.Name)
	assert.True(t, reply.User.HasFace)

	f.rt.Dispatch(op, []byte(`{"cmd":"admin_get_user","enrollId":9999}`))
	errReply, ok := op.lastFrame(t).(protocol.Reply)
	require.True(t, ok)
	assert.False(t, errReply.Result)
	assert.Equal(t, "user not found", errReply.Error)
}

func TestSearchUserByName(t *testing.T) {
	f := newFixture(t)
	op := f.connectOperator(t, "console")
	ctx := context.Background()

	require.NoError(t, f.repo.UpsertUser(ctx, 1001, "Alice Smith", 50, false, "img"))
	require.NoError(t, f.repo.UpsertUser(ctx, 1002, "Malice", 0, false, ""))
	f.gallery.Upsert(1001, []float32{1, 0}, "Alice Smith", true)

	f.rt.Dispatch(op, []byte(`{"cmd":"admin_search_user_by_name","name":"alic"}`))
	reply, ok := op.lastFrame(t).(protocol.AdminUserListReply)
	require.True(t, ok)
	require.Len(t, reply.Users, 2)
	assert.Equal(t, 1001, reply.Users[0].EnrollID)
	assert.True(t, reply.Users[0].HasFace)
	assert.False(t, reply.Users[1].HasFace, "no gallery entry means no face")
}

func TestListDevices(t *testing.T) {
	f := newFixture(t)
	f.connectDevice(t, "FG-002")
	f.connectDevice(t, "FG-001")
	op := f.connectOperator(t, "console")

	f.rt.Dispatch(op, []byte(`{"cmd":"admin_list_devices"}`))
	reply, ok := op.lastFrame(t).(protocol.AdminDeviceListReply)
	require.True(t, ok)
	assert.Equal(t, []string{"FG-001", "FG-002"}, reply.Devices)
}

func TestListUsers(t *testing.T) {
	f := newFixture(t)
	op := f.connectOperator(t, "console")

	f.gallery.Upsert(1002, []float32{0, 1}, "Bob", false)
	f.gallery.Upsert(1001, []float32{1, 0}, "Alice", true)

	f.rt.Dispatch(op, []byte(`{"cmd":"admin_list_users"}`))
	reply, ok := op.lastFrame(t).(protocol.AdminUserListReply)
	require.True(t, ok)
	require.Len(t, reply.Users, 2)
	assert.Equal(t, 1001, reply.Users[0].EnrollID)
	assert.Equal(t, "Alice", reply.Users[0].Name)
	assert.Equal(t, 1002, reply.Users[1].EnrollID)
	assert.False(t, reply.Users[1].IsActive)
}

func TestRepliesToClosedSessionAreSwallowed(t *testing.T) {
	f := newFixture(t)
	op := f.connectOperator(t, "console")

	require.NoError(t, f.repo.UpsertUser(context.Background(), 1001, "Alice", 50, false, "img"))
	f.gallery.Upsert(1001, []float32{1, 0}, "Alice", true)

	// The console drops mid-request. The reply has nowhere to go, but the
	// command's side effects still land.
	op.Close()
	f.rt.Dispatch(op, []byte(`{"cmd":"admin_delete_user","enrollId":1001}`))

	assert.Empty(t, op.frames(), "a closed session accepts no frames")
	_, err := f.repo.FetchFaceRow(context.Background(), 1001)
	assert.ErrorIs(t, err, store.ErrUserNotFound)
	_, ok := f.gallery.Get(1001)
	assert.False(t, ok)

	// Frame-less commands survive a dead peer too.
	f.rt.Dispatch(op, []byte(`{"cmd":"admin_list_users"}`))
	f.rt.Dispatch(op, []byte(`{"cmd":"admin_ping","ts":1}`))
	assert.Empty(t, op.frames())
}
