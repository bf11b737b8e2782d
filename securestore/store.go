// Package securestore provides the encrypted key/value facility that holds
// OAuth session artifacts on the device.
package securestore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound reports that no value is stored under a key.
	ErrNotFound = errors.New("securestore: not found")
	// ErrValueTooLarge reports a value above the configured size ceiling.
	ErrValueTooLarge = errors.New("securestore: value exceeds size limit")
)

// Store is the capability set shared by every backend. Delete of a missing
// key is not an error.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}
