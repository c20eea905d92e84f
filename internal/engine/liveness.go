package engine

import (
	"sync/atomic"
	"time"
)

// LivenessResult is the published outcome of the latest anti-spoof run.
// Records are immutable once published; readers get a consistent snapshot
// through the atomic pointer, never a torn one.
type LivenessResult struct {
	Score  float64 // raw "real" logit
	Prob   float64 // softmax probability of a live face
	TimeMs int64   // inference wall time
	At     time.Time
}

// livenessSlot is a single-producer multi-reader latest-value cell.
type livenessSlot struct {
	p atomic.Pointer[LivenessResult]
}

func (s *livenessSlot) publish(r LivenessResult) {
	s.p.Store(&r)
}

// latest returns the most recent result, or nil before the first run.
func (s *livenessSlot) latest() *LivenessResult {
	return s.p.Load()
}
