// Package cleanup drops rate limit counters whose window has ended. Only the
// in-memory store needs it; Redis keys expire on their own.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// Pruner removes counters whose window ended at or before now.
type Pruner interface {
	Prune(now time.Time) int
}

// Result contains the results of a cleanup run.
type Result struct {
	CountersRemoved int
	Duration        time.Duration
}

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

type Worker struct {
	store    Pruner
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

func New(store Pruner, opts ...Option) *Worker {
	w := &Worker{
		store:    store,
		logger:   slog.Default(),
		interval: 15 * time.Minute,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs a cleanup every interval until ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			res := w.RunOnce()
			w.logger.Debug("rate_limit_cleanup_completed",
				"counters_removed", res.CountersRemoved,
				"duration_ms", res.Duration.Milliseconds(),
			)
		case <-ctx.Done():
			w.logger.Info("rate limit cleanup worker stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

// RunOnce executes a single cleanup run.
func (w *Worker) RunOnce() *Result {
	start := time.Now()
	removed := w.store.Prune(w.now())
	return &Result{CountersRemoved: removed, Duration: time.Since(start)}
}
