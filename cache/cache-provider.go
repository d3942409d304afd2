package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by stores whose provider has been closed.
var ErrClosed = errors.New("cache: provider closed")

// Provider opens named stores.
// A store name is a cache identifier: every generation of the cache lives
// under its own name, and opening a name that does not exist creates it.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open returns the store for the given cache name, creating it if absent.
	Open(ctx context.Context, name string) (Store, error)
	// Close releases the resources held by the provider.
	Close() error
}

// Store is a single named cache.
// It stores and retrieves []byte values, which represent HTTP responses,
// under opaque request identity keys.
// Every operation is atomic on its own; no operation spans several keys.
type Store interface {
	// All returns all cache entries whose key has the given prefix.
	All(ctx context.Context, prefix string) ([]CacheEntry, error)
	// Get returns the stored bytes for the given key, if it exists.
	// The boolean reports whether the key was found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores the entry, replacing any previous entry with the same key.
	Put(ctx context.Context, ce CacheEntry) error
	// Delete removes the entry with the given key.
	// The boolean reports whether an entry was removed.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns the keys of every entry in the store.
	Keys(ctx context.Context) ([]string, error)
}

type CacheEntry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
