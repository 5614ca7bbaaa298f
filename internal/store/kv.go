package store

import "context"

// KV is durable key-value storage for JSON-encoded collections.
// Set must be durable before it returns; a failed write aborts the
// caller's mutation and nothing else.
type KV interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// SetMulti stores several keys in a single write. Backends that
	// support transactions apply all of them or none.
	SetMulti(ctx context.Context, values map[string][]byte) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
