// Package store is the key/value persistence layer behind the device
// registry and the confirmation table. Backends must make Update atomic with
// respect to every other write on the same key.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("store: key not found")

	// ErrExists is returned by SetNX when the key is already present
	ErrExists = errors.New("store: key already exists")

	// ErrConflict is returned when an optimistic update kept losing races
	ErrConflict = errors.New("store: too many concurrent updates")
)

// UpdateFunc receives the current value of a key and returns its replacement.
// Returning an error aborts the update and leaves the stored value untouched.
type UpdateFunc func(current []byte) ([]byte, error)

type Store interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// SetNX stores value only if key is absent, otherwise returns ErrExists.
	SetNX(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the values of every key starting with prefix,
	// oldest insertion first where the backend can tell.
	List(ctx context.Context, prefix string) ([][]byte, error)

	// Update atomically replaces the value of an existing key with fn's result.
	// Returns ErrNotFound when the key is absent, or fn's error unchanged.
	Update(ctx context.Context, key string, fn UpdateFunc) ([]byte, error)
}
