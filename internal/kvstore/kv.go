// Package kvstore abstracts the shared key-value store that holds dynamic
// configuration, the cluster registry, and the leader lease.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the backing store could not be reached.
var ErrUnavailable = errors.New("kvstore: unavailable")

// KV is the minimal surface the rest of the system depends on. All methods
// are safe for concurrent use. A zero TTL means "no expiry".
type KV interface {
	// Get returns the value for key. The second result is false when the key
	// does not exist.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set unconditionally writes key=value with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes key=value only if the key does not exist. Returns true
	// when the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSwap writes key=value only if the current value equals old.
	// Returns true when the write happened.
	CompareAndSwap(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// ScanPrefix returns all key/value pairs whose key starts with prefix.
	ScanPrefix(ctx context.Context, prefix string) (map[string]string, error)
}
