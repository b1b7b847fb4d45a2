package audit

import (
	"context"
	"errors"
)

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// FanOut appends to every store and joins their errors.
type FanOut []Store

func (f FanOut) Append(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Append(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
