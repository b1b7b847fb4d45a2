//go:build integration

package counter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"idmint/internal/ratelimit/models"
	"idmint/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = NewRedisStore(s.redis.Client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStoreSuite) TestIncrementAndRollover() {
	ctx := context.Background()
	key := models.Key{Scope: models.ScopeIssuance, Identity: "WALLET"}
	now := time.Now()
	window := models.WindowAt(now, time.Hour)

	for i := 1; i <= 3; i++ {
		n, err := s.store.Increment(ctx, key, window)
		s.Require().NoError(err)
		s.Equal(i, n)
	}

	ttl, err := s.redis.Client.TTL(ctx, windowKey(key, window)).Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))
	s.LessOrEqual(ttl, time.Hour)

	next := models.WindowAt(now.Add(time.Hour), time.Hour)
	n, err := s.store.Count(ctx, key, next)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *RedisStoreSuite) TestReset() {
	ctx := context.Background()
	key := models.Key{Scope: models.ScopeIssuance, Identity: "W"}
	now := time.Now()
	_, err := s.store.Increment(ctx, key, models.WindowAt(now, time.Hour))
	s.Require().NoError(err)
	_, err = s.store.Increment(ctx, key, models.WindowAt(now.Add(time.Hour), time.Hour))
	s.Require().NoError(err)

	s.Require().NoError(s.store.Reset(ctx, key))
	n, err := s.store.Count(ctx, key, models.WindowAt(now, time.Hour))
	s.Require().NoError(err)
	s.Zero(n)
}
