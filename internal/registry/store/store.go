// Package store persists registry state as the same global values and boxes the
// on-chain application keeps, so every backend shares one encoding.
package store

import (
	"context"
	"errors"
)

// ErrReadOnly is returned by writes against a read-only backend or view.
var ErrReadOnly = errors.New("registry state is read-only")

// Tx is one atomic unit of registry state access.
type Tx interface {
	Global(key string) ([]byte, bool, error)
	SetGlobal(key string, value []byte) error
	Box(key []byte) ([]byte, bool, error)
	SetBox(key, value []byte) error
}

// State runs transactions. Update applies every write of fn or none of them:
// a non-nil error from fn discards all writes.
type State interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
}
