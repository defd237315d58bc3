package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("not found")

// KeyInfo describes one listed key and its sidecar metadata.
type KeyInfo struct {
	Name     string
	Metadata map[string]string
}

// ListOptions restricts a List call. A zero Limit means no limit.
type ListOptions struct {
	Prefix string
	Limit  int
}

// Store is a single key-value shard. Writes are single-key puts; there are no
// multi-key transactions across the interface.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes value and optional metadata, replacing any previous record.
	Put(ctx context.Context, key string, value []byte, meta map[string]string) error
	// List returns keys in lexical order.
	List(ctx context.Context, opts ListOptions) ([]KeyInfo, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Name identifies the shard in locator records.
	Name() string
	Close() error
}

// Open builds a shard from a "scheme:target" spec, e.g. "sqlite:/data/kv0.db",
// "badger:/data/kv1" or "memory:".
func Open(name, spec string) (Store, error) {
	scheme, target, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("invalid shard spec %q: expected scheme:target", spec)
	}
	switch scheme {
	case "sqlite":
		return NewSQLiteStore(name, target)
	case "badger":
		return NewBadgerStore(name, target)
	case "memory":
		return NewMemoryStore(name), nil
	default:
		return nil, fmt.Errorf("unknown shard scheme %q", scheme)
	}
}
