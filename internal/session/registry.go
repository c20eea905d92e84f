package session

import (
	"log/slog"
	"sync"
)

// Registry tracks connected devices and operators. Each device serial maps
// to at most one session; reconnection supersedes the prior session. Any
// number of operators may coexist.
type Registry struct {
	mu         sync.RWMutex
	devices    map[string]Session // serial -> session
	serialByID map[string]string  // session id -> serial
	operators  map[string]Session // session id -> session

	// onDeviceGone fires after a device session is removed, outside the
	// registry lock. The enrollment controller hooks in here to cancel
	// pending captures.
	onDeviceGone func(serial string)

	log *slog.Logger
}

// NewRegistry builds an empty registry. The hook may be nil.
func NewRegistry(onDeviceGone func(serial string)) *Registry {
	return &Registry{
		devices:      make(map[string]Session),
		serialByID:   make(map[string]string),
		operators:    make(map[string]Session),
		onDeviceGone: onDeviceGone,
		log:          slog.Default(),
	}
}

// RegisterDevice binds a serial to a session. A prior session for the same
// serial is closed and replaced; the prior session's close must not cancel
// state now owned by the replacement, so its id mapping is dropped first.
func (r *Registry) RegisterDevice(serial string, s Session) {
	r.mu.Lock()
	prev, had := r.devices[serial]
	if had && prev.ID() != s.ID() {
		delete(r.serialByID, prev.ID())
	}
	r.devices[serial] = s
	r.serialByID[s.ID()] = serial
	delete(r.operators, s.ID())
	r.mu.Unlock()

	if had && prev.ID() != s.ID() {
		r.log.Info("device reconnected, closing prior session", "serial", serial)
		prev.Close()
	} else {
		r.log.Info("device registered", "serial", serial, "session_id", s.ID())
	}
}

// RegisterOperator adds a session to the operator set.
func (r *Registry) RegisterOperator(s Session) {
	r.mu.Lock()
	r.operators[s.ID()] = s
	r.mu.Unlock()
	r.log.Info("operator registered", "session_id", s.ID())
}

// Unregister removes a session from both tables and fires the device-gone
// hook for any serial it carried.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	serial, wasDevice := r.serialByID[sessionID]
	if wasDevice {
		delete(r.serialByID, sessionID)
		// Only drop the serial if it still points at this session; a
		// reconnect may already own it.
		if cur, ok := r.devices[serial]; ok && cur.ID() == sessionID {
			delete(r.devices, serial)
		} else {
			wasDevice = false
		}
	}
	delete(r.operators, sessionID)
	r.mu.Unlock()

	if wasDevice {
		r.log.Info("device disconnected", "serial", serial)
		if r.onDeviceGone != nil {
			r.onDeviceGone(serial)
		}
	}
}

// BroadcastToOperators fans a frame out to every operator. A failed send to
// one console never blocks the others.
func (r *Registry) BroadcastToOperators(frame any) {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.operators))
	for _, s := range r.operators {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		if err := s.Send(frame); err != nil {
			r.log.Debug("operator send failed", "session_id", s.ID(), "err", err)
		}
	}
}

// IsDeviceConnected reports whether a serial has an active session.
func (r *Registry) IsDeviceConnected(serial string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.devices[serial]
	return ok
}

// DeviceBySerial returns the active session for a serial.
func (r *Registry) DeviceBySerial(serial string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.devices[serial]
	return s, ok
}

// DeviceSerials lists connected device serials.
func (r *Registry) DeviceSerials() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.devices))
	for serial := range r.devices {
		out = append(out, serial)
	}
	return out
}

// Devices returns the active device sessions, for registration-ack resends
// and shutdown cleanup.
func (r *Registry) Devices() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.devices))
	for _, s := range r.devices {
		out = append(out, s)
	}
	return out
}

// Counts reports (devices, operators) for the metrics gauges.
func (r *Registry) Counts() (int, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices), len(r.operators)
}
