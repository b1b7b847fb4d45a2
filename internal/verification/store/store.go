package store

import (
	"context"

	"idmint/internal/verification/models"
)

// UpdateFunc mutates a session inside an atomic read-modify-write. Returning an
// error discards the mutation.
type UpdateFunc func(*models.Session) error

// Store persists verification sessions. Sessions are never deleted.
//
// Errors: FindByID and Update return sentinel.ErrNotFound for unknown ids;
// Create returns sentinel.ErrConflict when the id or provider session id is taken.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, id string) (*models.Session, error)
	FindByProviderSession(ctx context.Context, provider, providerSessionID string) (*models.Session, error)
	Update(ctx context.Context, id string, fn UpdateFunc) (*models.Session, error)
}
