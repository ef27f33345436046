// Package state persists in-flight upload records so interrupted uploads can
// be resumed by fingerprint. Values are opaque to the store.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Get when no value is stored under the key.
	ErrNotFound = errors.New("state: record not found")

	// ErrLocked is returned by Lock when another live process holds the key.
	ErrLocked = errors.New("state: key locked by another process")

	// ErrInvalidKey is returned for keys that cannot name a record.
	ErrInvalidKey = errors.New("state: invalid key")
)

// Store is a key-value store for serialized upload records.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put replaces the value stored under key.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists every stored key in lexical order.
	Keys(ctx context.Context) ([]string, error)
	// Close releases resources held by the store.
	Close() error
}

// Locker is implemented by stores that can hold an exclusive lock per key
// across processes. The returned release function is safe to call twice.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

func validateKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\:`) || key == "." || key == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
