// Package service enforces per-caller request limits over fixed windows.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"idmint/internal/ratelimit/models"
	dErrors "idmint/pkg/domain-errors"
)

const DefaultWindow = time.Hour

// CounterStore holds one counter per key and window. Implementations may lose
// counts on restart.
type CounterStore interface {
	Increment(ctx context.Context, key models.Key, window models.Window) (int, error)
	Count(ctx context.Context, key models.Key, window models.Window) (int, error)
	Reset(ctx context.Context, key models.Key) error
}

// Clock is the time source for window boundaries.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

type Service struct {
	counters CounterStore
	clock    Clock
	limit    int
	window   time.Duration
	logger   *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithWindow overrides DefaultWindow.
func WithWindow(window time.Duration) Option {
	return func(s *Service) {
		if window > 0 {
			s.window = window
		}
	}
}

// New allows limit requests per identity and window. A limit of zero or less
// disables limiting.
func New(counters CounterStore, limit int, opts ...Option) (*Service, error) {
	if counters == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	svc := &Service{
		counters: counters,
		clock:    SystemClock,
		limit:    limit,
		window:   DefaultWindow,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Enabled reports whether any limit is enforced.
func (s *Service) Enabled() bool {
	return s.limit > 0
}

// Check counts one request by identity in scope and reports whether it is
// within the limit. Rejected requests count too.
func (s *Service) Check(ctx context.Context, scope models.Scope, identity string) (*models.Result, error) {
	now := s.clock.Now()
	window := models.WindowAt(now, s.window)
	if !s.Enabled() {
		return &models.Result{Allowed: true, Limit: math.MaxInt32, Remaining: math.MaxInt32, ResetAt: window.End}, nil
	}
	if identity == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "rate limit identity is required")
	}

	count, err := s.counters.Increment(ctx, models.Key{Scope: scope, Identity: identity}, window)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "rate limit store unavailable")
	}
	result := &models.Result{
		Allowed:   count <= s.limit,
		Limit:     s.limit,
		Remaining: max(0, s.limit-count),
		ResetAt:   window.End,
	}
	if !result.Allowed {
		result.RetryAfter = int(math.Ceil(window.End.Sub(now).Seconds()))
	}
	return result, nil
}

// Status reports the current window for identity without counting a request.
func (s *Service) Status(ctx context.Context, scope models.Scope, identity string) (*models.Result, error) {
	now := s.clock.Now()
	window := models.WindowAt(now, s.window)
	count, err := s.counters.Count(ctx, models.Key{Scope: scope, Identity: identity}, window)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "rate limit store unavailable")
	}
	return &models.Result{
		Allowed:   !s.Enabled() || count < s.limit,
		Limit:     s.limit,
		Remaining: max(0, s.limit-count),
		ResetAt:   window.End,
	}, nil
}

// Reset clears every counter of identity in scope.
func (s *Service) Reset(ctx context.Context, scope models.Scope, identity string) error {
	if err := s.counters.Reset(ctx, models.Key{Scope: scope, Identity: identity}); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "rate limit store unavailable")
	}
	s.logger.InfoContext(ctx, "rate limit reset", "scope", scope)
	return nil
}
