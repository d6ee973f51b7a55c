// Package reaper runs the expiry sweep on a schedule.
//
// Each tick releases every authorization whose deadline has passed, in
// batches ordered by deadline, until a batch comes back short. A tick never
// rescans an authorization it failed to expire; the next tick retries it. When several service instances
// run a reaper, a Lease keeps all but one of them idle per tick; skipping
// the lease is safe because expiry is a compare-and-swap in the store.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/ineyio/quotaledger"
)

// DefaultSchedule runs a sweep every 30 seconds.
const DefaultSchedule = "@every 30s"

// DefaultBatchSize is the number of authorizations expired per store query.
const DefaultBatchSize = 100

// maxRounds bounds a single sweep when expired authorizations keep arriving.
const maxRounds = 50

// Sweeper expires overdue authorizations. *quotaledger.Ledger implements it.
type Sweeper interface {
	ReapExpiredAfter(ctx context.Context, after quotaledger.ExpiryCursor, limit int) (quotaledger.ReapReport, error)
}

var _ Sweeper = (*quotaledger.Ledger)(nil)

// Lease grants one process the right to sweep for a while.
type Lease interface {
	// Acquire reports whether the caller now holds the lease.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lease up if the caller still holds it.
	Release(ctx context.Context) error
}

// Reaper runs a Sweeper on a cron schedule.
type Reaper struct {
	sweeper   Sweeper
	lease     Lease
	schedule  string
	batchSize int
	logger    *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithSchedule sets the cron spec (standard five fields or a descriptor
// such as "@every 1m").
func WithSchedule(spec string) Option {
	return func(r *Reaper) { r.schedule = spec }
}

// WithBatchSize sets how many authorizations are expired per store query.
func WithBatchSize(n int) Option {
	return func(r *Reaper) { r.batchSize = n }
}

// WithLease sets the lease taken before each sweep.
func WithLease(l Lease) Option {
	return func(r *Reaper) { r.lease = l }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reaper) { r.logger = logger }
}

// New creates a Reaper for sweeper.
func New(sweeper Sweeper, opts ...Option) *Reaper {
	r := &Reaper{sweeper: sweeper}
	for _, opt := range opts {
		opt(r)
	}

	if r.schedule == "" {
		r.schedule = DefaultSchedule
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Start schedules sweeps until Stop is called or ctx is done. Overlapping
// ticks are skipped while a sweep is still running.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("quotaledger/reaper: already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.schedule, func() {
		if ctx.Err() != nil {
			return
		}
		_, _ = r.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("quotaledger/reaper: schedule %q: %w", r.schedule, err)
	}
	c.Start()
	r.cron = c

	r.logger.Info("reaper started", "schedule", r.schedule, "batch_size", r.batchSize)
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}

	<-c.Stop().Done()
	r.logger.Info("reaper stopped")
}

// RunOnce performs one sweep: it takes the lease (if any) and expires
// batches until none are left. A sweep skipped for lack of the lease
// returns an empty report and no error.
func (r *Reaper) RunOnce(ctx context.Context) (quotaledger.ReapReport, error) {
	total := quotaledger.ReapReport{Released: decimal.Zero}

	if r.lease != nil {
		ok, err := r.lease.Acquire(ctx)
		if err != nil {
			r.logger.Warn("reaper lease failed", "error", err)
			return total, fmt.Errorf("quotaledger/reaper: acquire lease: %w", err)
		}
		if !ok {
			r.logger.Debug("reaper lease held elsewhere")
			return total, nil
		}
		defer func() {
			// Release even if ctx was cancelled mid-sweep.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := r.lease.Release(releaseCtx); err != nil {
				r.logger.Warn("reaper lease release failed", "error", err)
			}
		}()
	}

	var (
		cursor quotaledger.ExpiryCursor
		errs   []error
	)
	for round := 0; round < maxRounds; round++ {
		report, err := r.sweeper.ReapExpiredAfter(ctx, cursor, r.batchSize)
		total.Scanned += report.Scanned
		total.Expired += report.Expired
		total.Skipped += report.Skipped
		total.Failed += report.Failed
		total.Released = total.Released.Add(report.Released)
		if err != nil {
			r.logger.Error("reap batch failed",
				"failed", report.Failed,
				"error", err,
			)
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
		if report.Scanned < r.batchSize {
			break
		}
		cursor = report.Next
	}
	return total, errors.Join(errs...)
}
