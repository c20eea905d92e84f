package engine

import (
	"errors"
	"sync"
	"time"
)

// ErrSidecarUnavailable is returned while the breaker is open; callers see
// it as an inference failure and reject the scan.
var ErrSidecarUnavailable = errors.New("inference sidecar unavailable")

const (
	breakerThreshold = 5
	breakerCooldown  = 15 * time.Second
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker protects the scan path from a dead sidecar. Consecutive failures
// trip it open; while open, inference fast-fails instead of stacking
// timeouts behind the engine gate. After the cooldown one probe request is
// let through to test recovery.
type breaker struct {
	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		if time.Since(b.openedAt) < breakerCooldown {
			return ErrSidecarUnavailable
		}
		b.state = breakerHalfOpen
		return nil
	case breakerHalfOpen:
		// One probe at a time.
		return ErrSidecarUnavailable
	default:
		return nil
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
		return
	}
	b.failures++
	if b.failures >= breakerThreshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
	}
}
