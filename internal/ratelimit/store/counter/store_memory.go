package counter

import (
	"context"
	"sync"
	"time"

	"idmint/internal/ratelimit/models"
)

// InMemoryStore keeps one fixed-window counter per key. A counter whose window
// has passed is reset on its next use. Counts are lost on restart.
type InMemoryStore struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
}

type windowCounter struct {
	start time.Time
	end   time.Time
	count int
}

// rollover restarts the counter when window is not the one it is counting.
func (c *windowCounter) rollover(window models.Window) {
	if !c.start.Equal(window.Start) {
		c.start = window.Start
		c.end = window.End
		c.count = 0
	}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{counters: make(map[string]*windowCounter)}
}

func (s *InMemoryStore) Increment(_ context.Context, key models.Key, window models.Window) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key.String()]
	if !ok {
		c = &windowCounter{start: window.Start, end: window.End}
		s.counters[key.String()] = c
	}
	c.rollover(window)
	c.count++
	return c.count, nil
}

func (s *InMemoryStore) Count(_ context.Context, key models.Key, window models.Window) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key.String()]
	if !ok || !c.start.Equal(window.Start) {
		return 0, nil
	}
	return c.count, nil
}

func (s *InMemoryStore) Reset(_ context.Context, key models.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key.String())
	return nil
}

// Prune drops counters whose window ended before now and returns how many.
func (s *InMemoryStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, c := range s.counters {
		if !c.end.After(now) {
			delete(s.counters, k)
			removed++
		}
	}
	return removed
}
