// Package kvstore implements the "external key-value collaborator"
// from §6: a small namespaced byte-blob store used to persist Request
// List state, Request Queue entries, and Session Pool snapshots.
package kvstore

import "context"

// Store is the persistence contract the engine depends on. Collections
// namespace keys (e.g. "request-lists", "sessions", "queue-pending").
type Store interface {
	Get(ctx context.Context, collection, key string) ([]byte, error)
	Set(ctx context.Context, collection, key string, value []byte) error
	Delete(ctx context.Context, collection, key string) error
	// Keys lists all keys in a collection, for backends that support
	// enumeration (local and badger both do); order is unspecified.
	Keys(ctx context.Context, collection string) ([]string, error)
}

// ErrNotFound is returned by Get when the key doesn't exist.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "kvstore: key not found" }
