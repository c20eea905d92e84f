package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession records frames handed to Send.
type fakeSession struct {
	id     string
	mu     sync.Mutex
	sent   []any
	closed bool
	done   chan struct{}
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, done: make(chan struct{})}
}

func (f *fakeSession) ID() string         { return f.id }
func (f *fakeSession) RemoteAddr() string { return "10.0.0.1:1234" }

func (f *fakeSession) Send(frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeSession) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }

func (f *fakeSession) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSession) sentFrames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestReconnectSupersedesPriorSession(t *testing.T) {
	r := NewRegistry(nil)
	first := newFakeSession("s1")
	second := newFakeSession("s2")

	r.RegisterDevice("FG-001", first)
	r.RegisterDevice("FG-001", second)

	assert.True(t, first.isClosed(), "prior session is closed on reconnect")
	assert.False(t, second.isClosed())

	cur, ok := r.DeviceBySerial("FG-001")
	require.True(t, ok)
	assert.Equal(t, "s2", cur.ID())

	devices, _ := r.Counts()
	assert.Equal(t, 1, devices)
}

func TestUnregisterOfSupersededSessionKeepsReplacement(t *testing.T) {
	var goneCalls []string
	r := NewRegistry(func(serial string) { goneCalls = append(goneCalls, serial) })
	first := newFakeSession("s1")
	second := newFakeSession("s2")

	r.RegisterDevice("FG-001", first)
	r.RegisterDevice("FG-001", second)

	// The closed first session unregisters late; the replacement must survive
	// and the device-gone hook must not fire.
	r.Unregister("s1")
	assert.True(t, r.IsDeviceConnected("FG-001"))
	assert.Empty(t, goneCalls)

	r.Unregister("s2")
	assert.False(t, r.IsDeviceConnected("FG-001"))
	assert.Equal(t, []string{"FG-001"}, goneCalls)
}

func TestBroadcastToOperators(t *testing.T) {
	r := NewRegistry(nil)
	dev := newFakeSession("d1")
	op1 := newFakeSession("o1")
	op2 := newFakeSession("o2")

	r.RegisterDevice("FG-001", dev)
	r.RegisterOperator(op1)
	r.RegisterOperator(op2)

	frame := map[string]string{"ret": "live_scan"}
	r.BroadcastToOperators(frame)

	assert.Len(t, op1.sentFrames(), 1)
	assert.Len(t, op2.sentFrames(), 1)
	assert.Empty(t, dev.sentFrames(), "devices never receive operator telemetry")

	// A closed operator fails its send without disturbing the rest.
	op1.Close()
	r.BroadcastToOperators(frame)
	assert.Len(t, op2.sentFrames(), 2)
}

func TestDeviceSessionLeavesOperatorSet(t *testing.T) {
	r := NewRegistry(nil)
	s := newFakeSession("s1")

	// A session that spoke admin first and then registers as a device must
	// not be counted twice.
	r.RegisterOperator(s)
	r.RegisterDevice("FG-001", s)

	devices, operators := r.Counts()
	assert.Equal(t, 1, devices)
	assert.Equal(t, 0, operators)
}

func TestDeviceSerials(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterDevice("FG-002", newFakeSession("s2"))
	r.RegisterDevice("FG-001", newFakeSession("s1"))

	serials := r.DeviceSerials()
	assert.ElementsMatch(t, []string{"FG-001", "FG-002"}, serials)
	assert.Len(t, r.Devices(), 2)
}
