package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextEnrollIDFloorAndMonotonicity(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id1, err := m.NextEnrollID(ctx)
	require.NoError(t, err)
	assert.Equal(t, MinEnrollID, id1, "ids start at the floor")

	id2, err := m.NextEnrollID(ctx)
	require.NoError(t, err)
	assert.Greater(t, id2, id1, "ids never repeat")

	// An existing high id pushes allocation past it.
	require.NoError(t, m.UpsertUser(ctx, 5000, "High", 0, false, ""))
	id3, err := m.NextEnrollID(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5001, id3)
}

func TestNextEnrollIDConcurrent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const allocators = 32
	ids := make(chan int, allocators)
	var wg sync.WaitGroup
	for i := 0; i < allocators; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := m.NextEnrollID(ctx)
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int]bool)
	for id := range ids {
		assert.GreaterOrEqual(t, id, MinEnrollID)
		assert.False(t, seen[id], "id %d allocated twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, allocators)
}

func TestAttendanceDebounce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now()

	recorded, err := m.LogAttendance(ctx, 1001, "FG-001", base)
	require.NoError(t, err)
	assert.True(t, recorded)

	// Within the window: swallowed, even from another device.
	recorded, err = m.LogAttendance(ctx, 1001, "FG-002", base.Add(19*time.Second))
	require.NoError(t, err)
	assert.False(t, recorded)

	// Past the window: recorded again.
	recorded, err = m.LogAttendance(ctx, 1001, "FG-001", base.Add(21*time.Second))
	require.NoError(t, err)
	assert.True(t, recorded)

	// Other users are debounced independently.
	recorded, err = m.LogAttendance(ctx, 1002, "FG-001", base.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, recorded)

	assert.Equal(t, 2, m.AttendanceCount(1001))
	assert.Equal(t, 1, m.AttendanceCount(1002))
}

func TestFaceDataLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	has, err := m.HasFaceData(ctx, 1001)
	require.NoError(t, err)
	assert.False(t, has)

	// A fingerprint slot is not face data.
	require.NoError(t, m.UpsertUser(ctx, 1001, "Alice", 0, false, "fp-template"))
	has, err = m.HasFaceData(ctx, 1001)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, m.UpsertUser(ctx, 1001, "Alice", 50, false, "face-image"))
	has, err = m.HasFaceData(ctx, 1001)
	require.NoError(t, err)
	assert.True(t, has)

	row, err := m.FetchFaceRow(ctx, 1001)
	require.NoError(t, err)
	assert.Equal(t, "Alice", row.Name)
	assert.Equal(t, "face-image", row.Record)
	assert.True(t, row.IsActive)

	_, err = m.FetchFaceRow(ctx, 9999)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSnapshotActiveFaceUsers(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.UpsertUser(ctx, 1001, "Alice", 50, false, "img-a"))
	require.NoError(t, m.UpsertUser(ctx, 1002, "Bob", 50, false, "img-b"))
	require.NoError(t, m.UpsertUser(ctx, 1003, "Carol", 0, false, "fp"))
	require.NoError(t, m.SetUserActive(ctx, 1002, false))

	snap, err := m.SnapshotActiveFaceUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{1001: true, 1002: false}, snap)
}

func TestDeleteUser(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.UpsertUser(ctx, 1001, "Alice", 50, false, "img"))
	require.NoError(t, m.DeleteUser(ctx, 1001))
	assert.ErrorIs(t, m.DeleteUser(ctx, 1001), ErrUserNotFound)

	snap, err := m.SnapshotActiveFaceUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestSetUserActiveUnknown(t *testing.T) {
	m := NewMemory()
	assert.ErrorIs(t, m.SetUserActive(context.Background(), 42, true), ErrUserNotFound)
}

func TestSearchUsersByName(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.UpsertUser(ctx, 1001, "Alice Smith", 50, false, "img"))
	require.NoError(t, m.UpsertUser(ctx, 1002, "Bob Jones", 50, false, "img"))
	require.NoError(t, m.UpsertUser(ctx, 1003, "alicia", 0, false, ""))

	rows, err := m.SearchUsersByName(ctx, "ALIC")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1001, rows[0].EnrollID)
	assert.Equal(t, 1003, rows[1].EnrollID)
}

func TestUpsertPreservesActiveFlag(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.UpsertUser(ctx, 1001, "Alice", 50, false, "img-1"))
	require.NoError(t, m.SetUserActive(ctx, 1001, false))
	require.NoError(t, m.UpsertUser(ctx, 1001, "Alice", 50, false, "img-2"))

	snap, err := m.SnapshotActiveFaceUsers(ctx)
	require.NoError(t, err)
	assert.False(t, snap[1001], "re-upload must not reactivate a disabled user")
}
