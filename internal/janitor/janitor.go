// Package janitor implements background cleanup of long-expired entries and
// orphan blobs. It runs beside the app Service so request handling never pays
// for sweeping.
//
// Entries are only swept once they have been expired for longer than the
// retention window. Until then a read still finds the row and reports the
// entry as gone rather than unknown.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haukened/fleeting/internal/metrics"
)

// Store is the subset of app.EntryStore the janitor needs.
type Store interface {
	// DeleteExpired deletes entries whose deadline precedes t and returns the
	// number removed.
	DeleteExpired(ctx context.Context, t time.Time) (int, error)
}

// Reconciler is implemented by stores that keep payloads outside their index
// and can leave orphans behind after a crash.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Observer receives cycle results. *metrics.Manager satisfies it.
type Observer interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

// Config holds tunables for the Janitor.
type Config struct {
	Interval  time.Duration // how often a cycle begins
	Retention time.Duration // how long an expired entry stays readable as gone
	Logger    *slog.Logger  // defaults to slog.Default()
	Now       func() time.Time
}

// Stats is a snapshot of janitor activity since construction.
type Stats struct {
	Cycles         uint64
	Deleted        uint64
	Errors         uint64
	LastDurationMS int64
}

// Janitor encapsulates the background cleanup loop.
type Janitor struct {
	store Store
	obs   Observer
	cfg   Config

	mu    sync.Mutex
	stats Stats

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs but does not start a Janitor. obs may be nil.
func New(store Store, obs Observer, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Retention < 0 {
		cfg.Retention = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Janitor{
		store:  store,
		obs:    obs,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the janitor loop in a new goroutine.
func (j *Janitor) Start(ctx context.Context) {
	if j.ticker != nil {
		return
	}
	j.ticker = time.NewTicker(j.cfg.Interval)
	go j.loop(ctx)
}

// Stop signals the loop to exit and waits for completion. Calling Stop on a
// janitor that was never started returns immediately.
func (j *Janitor) Stop() {
	if j.ticker == nil {
		return
	}
	j.once.Do(func() { close(j.stopCh) })
	<-j.doneCh
}

// Stats returns a copy of the current counters.
func (j *Janitor) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

func (j *Janitor) loop(ctx context.Context) {
	log := j.cfg.Logger.With("domain", "janitor")
	defer func() {
		j.ticker.Stop()
		close(j.doneCh)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("janitor stop", "reason", "context_cancel")
			return
		case <-j.stopCh:
			log.Info("janitor stop", "reason", "stop_signal")
			return
		case <-j.ticker.C:
			_, _ = j.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep plus orphan reconciliation and returns the number
// of entries deleted. Reconciliation still runs when the sweep fails; the
// first error encountered is returned.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	log := j.cfg.Logger.With("domain", "janitor", "action", "cycle")
	cutoff := j.cfg.Now().UTC().Add(-j.cfg.Retention)

	var firstErr error
	count, err := j.store.DeleteExpired(ctx, cutoff)
	if err != nil {
		firstErr = err
		if !errors.Is(err, context.Canceled) {
			log.Error("sweep", "error", err)
		}
	}
	if r, ok := j.store.(Reconciler); ok {
		if rerr := r.Reconcile(ctx); rerr != nil {
			if firstErr == nil {
				firstErr = rerr
			}
			if !errors.Is(rerr, context.Canceled) {
				log.Error("reconcile", "error", rerr)
			}
		}
	}

	elapsed := time.Since(start)
	j.mu.Lock()
	j.stats.Cycles++
	if count > 0 {
		j.stats.Deleted += uint64(count)
	}
	if firstErr != nil {
		j.stats.Errors++
	}
	j.stats.LastDurationMS = elapsed.Milliseconds()
	j.mu.Unlock()

	if j.obs != nil {
		j.obs.Inc(metrics.CounterEntriesSwept, int64(count))
		j.obs.Observe(metrics.SummaryJanitorDeletedPerCycle, int64(count))
	}
	log.Info("cycle complete", "deleted", count, "cutoff", cutoff, "ms", elapsed.Milliseconds())
	return count, firstErr
}
