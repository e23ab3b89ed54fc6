// Package store is the persistence contract for client-side state: the
// meta-address, the scan cursor, and payment/session records. Backends are
// interchangeable; the core only sees this interface.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("store: key not found")

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Clear(ctx context.Context) error
}
