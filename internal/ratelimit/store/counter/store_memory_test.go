package counter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idmint/internal/ratelimit/models"
)

func TestInMemoryStoreCountsWithinWindow(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	key := models.Key{Scope: models.ScopeIssuance, Identity: "WALLET"}
	now := time.Date(2026, 5, 1, 10, 15, 0, 0, time.UTC)
	window := models.WindowAt(now, time.Hour)

	for i := 1; i <= 3; i++ {
		n, err := s.Increment(ctx, key, window)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	n, err := s.Count(ctx, key, window)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	t.Run("identity is case insensitive", func(t *testing.T) {
		n, err := s.Count(ctx, models.Key{Scope: models.ScopeIssuance, Identity: "wallet"}, window)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("scopes are independent", func(t *testing.T) {
		n, err := s.Count(ctx, models.Key{Scope: "other", Identity: "WALLET"}, window)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestInMemoryStoreResetsOnRollover(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	key := models.Key{Scope: models.ScopeIssuance, Identity: "W"}
	now := time.Date(2026, 5, 1, 10, 59, 0, 0, time.UTC)

	_, err := s.Increment(ctx, key, models.WindowAt(now, time.Hour))
	require.NoError(t, err)
	_, err = s.Increment(ctx, key, models.WindowAt(now, time.Hour))
	require.NoError(t, err)

	next := models.WindowAt(now.Add(2*time.Minute), time.Hour)
	n, err := s.Count(ctx, key, next)
	require.NoError(t, err)
	assert.Zero(t, n, "a new window starts empty")

	n, err = s.Increment(ctx, key, next)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInMemoryStorePruneAndReset(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	a := models.Key{Scope: models.ScopeIssuance, Identity: "A"}
	b := models.Key{Scope: models.ScopeIssuance, Identity: "B"}

	_, _ = s.Increment(ctx, a, models.WindowAt(now, time.Hour))
	_, _ = s.Increment(ctx, b, models.WindowAt(now.Add(time.Hour), time.Hour))

	assert.Equal(t, 1, s.Prune(now.Add(time.Hour)))
	n, _ := s.Count(ctx, b, models.WindowAt(now.Add(time.Hour), time.Hour))
	assert.Equal(t, 1, n)

	require.NoError(t, s.Reset(ctx, b))
	n, _ = s.Count(ctx, b, models.WindowAt(now.Add(time.Hour), time.Hour))
	assert.Zero(t, n)
}

func TestInMemoryStoreConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	key := models.Key{Scope: models.ScopeIssuance, Identity: "W"}
	window := models.WindowAt(time.Now(), time.Hour)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Increment(ctx, key, window)
		}()
	}
	wg.Wait()

	n, err := s.Count(ctx, key, window)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}
