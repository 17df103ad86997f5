// Package blob is the persistence seam for item ciphertext. The core
// treats it as an exclusively-owned key-value store; implementations
// cover MinIO, Postgres and an in-memory map.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and may be returned by Delete when the
// key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is a minimal put/get/delete abstraction. Keys are opaque; the
// vault uses "{code}/{itemID}". Values are always ciphertext.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
