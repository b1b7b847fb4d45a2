package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"idmint/internal/verification/models"
	"idmint/pkg/platform/sentinel"
)

const (
	redisSessionKeyPrefix  = "idmint:session:"
	redisProviderKeyPrefix = "idmint:session-provider:"

	// maxUpdateAttempts bounds optimistic retries when a WATCHed key changes.
	maxUpdateAttempts = 5
)

// RedisStore persists sessions as JSON documents. Updates use WATCH/MULTI so
// concurrent webhook and issuance writers never lose each other's fields.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Create writes the session and its provider index atomically.
//
// Errors: sentinel.ErrConflict if either key already exists.
func (s *RedisStore) Create(ctx context.Context, session *models.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	// MSETNX sets all keys or none.
	pairs := []any{sessionKey(session.ID), string(payload)}
	if session.ProviderSessionID != "" {
		pairs = append(pairs, providerIndexKey(session.Provider, session.ProviderSessionID), session.ID)
	}
	ok, err := s.client.MSetNX(ctx, pairs...).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *RedisStore) FindByID(ctx context.Context, id string) (*models.Session, error) {
	return s.load(ctx, s.client, id)
}

func (s *RedisStore) FindByProviderSession(ctx context.Context, provider, providerSessionID string) (*models.Session, error) {
	id, err := s.client.Get(ctx, providerIndexKey(provider, providerSessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find provider session: %w", err)
	}
	return s.load(ctx, s.client, id)
}

// Update applies fn under optimistic locking and retries on concurrent writes.
func (s *RedisStore) Update(ctx context.Context, id string, fn UpdateFunc) (*models.Session, error) {
	key := sessionKey(id)
	var updated *models.Session
	txf := func(tx *redis.Tx) error {
		session, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(session); err != nil {
			return err
		}
		payload, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err == nil {
			updated = session
		}
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update session %s: %w", id, sentinel.ErrConflict)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, id string) (*models.Session, error) {
	data, err := c.Get(ctx, sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

func sessionKey(id string) string {
	return redisSessionKeyPrefix + id
}

func providerIndexKey(provider, providerSessionID string) string {
	return redisProviderKeyPrefix + provider + ":" + providerSessionID
}
