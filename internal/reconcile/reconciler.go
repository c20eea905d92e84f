// Package reconcile keeps the in-memory gallery in agreement with the store.
// A periodic cycle diffs a light store snapshot against the gallery: new
// face users are embedded and added, changed active flags are updated in
// place, and users deleted from the store are evicted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facegate/facegate/internal/gallery"
	"github.com/facegate/facegate/internal/metrics"
	"github.com/facegate/facegate/internal/store"
)

const (
	// DefaultInterval is how often a cycle fires.
	DefaultInterval = 30 * time.Second

	// snapshotTimeout bounds the light store query. A timeout skips the
	// cycle; the next tick tries again.
	snapshotTimeout = 60 * time.Second
)

// Embedder turns a stored face record into an embedding. Template ingestion
// never applies liveness, so the signature carries no flag.
type Embedder interface {
	Embed(imageB64 string, checkLiveness bool) []float32
}

// Reconciler runs the periodic diff. Cycles are guarded by a non-reentrant
// gate: a tick that lands while a cycle is still executing is dropped, not
// queued.
type Reconciler struct {
	repo     store.Repository
	gallery  *gallery.Gallery
	embedder Embedder
	interval time.Duration
	metrics  *metrics.Metrics

	busy   atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *slog.Logger
}

// New builds a reconciler on the default 30 s interval. m may be nil.
func New(repo store.Repository, g *gallery.Gallery, e Embedder, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		repo:     repo,
		gallery:  g,
		embedder: e,
		interval: DefaultInterval,
		metrics:  m,
		log:      slog.Default(),
	}
}

func (r *Reconciler) countCycle(result string) {
	if r.metrics != nil {
		r.metrics.ReconcileCycles.WithLabelValues(result).Inc()
	}
}

// SetInterval overrides the cycle period. Used by tests.
func (r *Reconciler) SetInterval(d time.Duration) { r.interval = d }

// Start launches the reconcile loop. It is attached to the server lifecycle:
// Stop waits for the in-flight cycle, and a failed cycle is logged rather
// than silently killing the loop.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.RunOnce(ctx); err != nil {
					r.log.Error("reconcile cycle failed", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for any in-flight cycle.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// LoadAll builds the full gallery from the store and swaps it in atomically.
// Used at startup, before scans are accepted; incremental cycles take over
// from there. Records that no longer embed are skipped, not fatal.
func (r *Reconciler) LoadAll(ctx context.Context) error {
	snapshot, err := r.repo.SnapshotActiveFaceUsers(ctx)
	if err != nil {
		return fmt.Errorf("snapshot face users: %w", err)
	}

	entries := make([]gallery.Entry, 0, len(snapshot))
	for id, active := range snapshot {
		row, err := r.repo.FetchFaceRow(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				continue // deleted between snapshot and fetch
			}
			return fmt.Errorf("fetch face row %d: %w", id, err)
		}
		emb := r.embedder.Embed(row.Record, false)
		if emb == nil {
			r.log.Debug("stored record produced no embedding", "enroll_id", id)
			continue
		}
		entries = append(entries, gallery.Entry{
			EnrollID:  id,
			Embedding: emb,
			Name:      row.Name,
			IsActive:  active,
		})
	}

	r.gallery.ReplaceAll(entries)
	return nil
}

// RunOnce executes a single cycle. Ticks overlapping a running cycle are
// dropped and return nil.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if !r.busy.CompareAndSwap(false, true) {
		r.log.Debug("reconcile tick dropped, prior cycle still running")
		r.countCycle("skipped")
		return nil
	}
	defer r.busy.Store(false)
	started := time.Now()

	snapCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	snapshot, err := r.repo.SnapshotActiveFaceUsers(snapCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.log.Debug("reconcile snapshot timed out, skipping cycle")
			r.countCycle("skipped")
			return nil
		}
		r.countCycle("error")
		return fmt.Errorf("snapshot face users: %w", err)
	}

	// Additions and active-flag updates.
	for id, active := range snapshot {
		current, known := r.gallery.Get(id)
		if !known {
			if err := r.addUser(ctx, id); err != nil {
				r.countCycle("error")
				return err
			}
			continue
		}
		if current.IsActive != active {
			r.gallery.SetActive(id, active)
			r.log.Info("reconcile: active flag updated", "enroll_id", id, "active", active)
		}
	}

	// Evictions: gallery ids the store no longer knows.
	for _, id := range r.gallery.IDs() {
		if _, ok := snapshot[id]; !ok {
			r.gallery.Remove(id)
			r.log.Info("reconcile: user evicted", "enroll_id", id)
		}
	}

	if r.metrics != nil {
		r.metrics.ReconcileDuration.Observe(time.Since(started).Seconds())
	}
	r.countCycle("ok")
	return nil
}

// addUser pulls the single full row (including the face image), embeds it,
// and upserts the gallery. A record that no longer yields an embedding is
// skipped; the device that produced it will re-enroll.
func (r *Reconciler) addUser(ctx context.Context, enrollID int) error {
	row, err := r.repo.FetchFaceRow(ctx, enrollID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil // deleted between snapshot and fetch
		}
		return fmt.Errorf("fetch face row %d: %w", enrollID, err)
	}
	emb := r.embedder.Embed(row.Record, false)
	if emb == nil {
		r.log.Debug("reconcile: stored record produced no embedding", "enroll_id", enrollID)
		return nil
	}
	r.gallery.Upsert(enrollID, emb, row.Name, row.IsActive)
	r.log.Info("reconcile: user added", "enroll_id", enrollID, "name", row.Name)
	return nil
}
