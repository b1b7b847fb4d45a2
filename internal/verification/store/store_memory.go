package store

import (
	"context"
	"sync"

	"idmint/internal/verification/models"
	"idmint/pkg/platform/sentinel"
)

// InMemoryStore keeps sessions in process memory. Returned sessions are copies.
type InMemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]models.Session
	byProvider map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:   make(map[string]models.Session),
		byProvider: make(map[string]string),
	}
}

func (s *InMemoryStore) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return sentinel.ErrConflict
	}
	pk := providerKey(session.Provider, session.ProviderSessionID)
	if session.ProviderSessionID != "" {
		if _, ok := s.byProvider[pk]; ok {
			return sentinel.ErrConflict
		}
		s.byProvider[pk] = session.ID
	}
	s.sessions[session.ID] = clone(*session)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	out := clone(session)
	return &out, nil
}

func (s *InMemoryStore) FindByProviderSession(ctx context.Context, provider, providerSessionID string) (*models.Session, error) {
	s.mu.RLock()
	id, ok := s.byProvider[providerKey(provider, providerSessionID)]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.FindByID(ctx, id)
}

func (s *InMemoryStore) Update(_ context.Context, id string, fn UpdateFunc) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	working := clone(current)
	if err := fn(&working); err != nil {
		return nil, err
	}
	s.sessions[id] = clone(working)
	return &working, nil
}

func providerKey(provider, providerSessionID string) string {
	return provider + ":" + providerSessionID
}

// clone deep-copies the pointer and map fields so callers cannot mutate stored state.
func clone(s models.Session) models.Session {
	if s.VerifiedData != nil {
		data := *s.VerifiedData
		s.VerifiedData = &data
	}
	if s.DecidedAt != nil {
		t := *s.DecidedAt
		s.DecidedAt = &t
	}
	if s.Metadata != nil {
		md := make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			md[k] = v
		}
		s.Metadata = md
	}
	return s
}
