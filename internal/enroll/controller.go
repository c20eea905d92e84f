// Package enroll tracks in-flight multi-shot enrollments. Each shot is an
// independent device-initiated message, so the server keeps per-device state
// between messages and time-bounds it; the controller is that state machine.
package enroll

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Defaults for the capture flow.
const (
	DefaultShots   = 2
	DefaultTimeout = 60 * time.Second
)

// Precondition failures surfaced to the operator as result=false replies.
var (
	ErrAlreadyPending = errors.New("enrollment already pending for device")
	ErrNotPending     = errors.New("no enrollment pending for device")
)

// Pending is the per-device enrollment in flight. At most one exists per
// device serial.
type Pending struct {
	EnrollID       int
	Name           string
	IsAdmin        bool
	ShotsRemaining int
	StartedAt      time.Time
}

// Controller owns the serial -> Pending table.
type Controller struct {
	mu      sync.Mutex
	pending map[string]*Pending
	shots   int
	timeout time.Duration
	log     *slog.Logger
}

// NewController builds a controller with the standard two-shot, 60 s flow.
func NewController() *Controller {
	return &Controller{
		pending: make(map[string]*Pending),
		shots:   DefaultShots,
		timeout: DefaultTimeout,
		log:     slog.Default(),
	}
}

// SetTimeout overrides the wall-clock bound. Used by tests.
func (c *Controller) SetTimeout(d time.Duration) { c.timeout = d }

// Begin moves a device from Idle to Collecting. Fails when a prior
// enrollment is still pending for the serial.
func (c *Controller) Begin(serial string, enrollID int, name string, isAdmin bool, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[serial]; exists {
		return ErrAlreadyPending
	}
	c.pending[serial] = &Pending{
		EnrollID:       enrollID,
		Name:           name,
		IsAdmin:        isAdmin,
		ShotsRemaining: c.shots,
		StartedAt:      now,
	}
	c.log.Info("enrollment started", "serial", serial, "enroll_id", enrollID, "name", name)
	return nil
}

// Lookup returns a copy of the pending entry for a serial.
func (c *Controller) Lookup(serial string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[serial]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// Expired reports whether the entry for serial has outlived the time bound
// at instant now. Expiry is evaluated lazily, on the next inbound shot.
func (c *Controller) Expired(serial string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[serial]
	return ok && now.Sub(p.StartedAt) > c.timeout
}

// Advance consumes one shot. It returns the entry as it stands after the
// decrement; when ShotsRemaining reaches zero the entry is removed and the
// enrollment is complete.
func (c *Controller) Advance(serial string) (Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[serial]
	if !ok {
		return Pending{}, ErrNotPending
	}
	p.ShotsRemaining--
	out := *p
	if p.ShotsRemaining <= 0 {
		delete(c.pending, serial)
		c.log.Info("enrollment complete", "serial", serial, "enroll_id", p.EnrollID)
	}
	return out, nil
}

// Cancel aborts any pending enrollment for a serial. Fired on timeout and
// on device disconnect.
func (c *Controller) Cancel(serial string) (Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[serial]
	if !ok {
		return Pending{}, false
	}
	delete(c.pending, serial)
	c.log.Info("enrollment cancelled", "serial", serial, "enroll_id", p.EnrollID)
	return *p, true
}

// PendingCount reports the number of in-flight enrollments.
func (c *Controller) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
