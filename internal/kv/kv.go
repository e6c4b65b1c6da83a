// Package kv is the browser-session key/value area. It holds persisted user-store
// snapshots and single-use OAuth state values. Redis backs it in deployments; an
// in-process map backs it in development and tests.
package kv

import (
	"context"
	"errors"
	"time"
)

// Canonical, backend-neutral errors implementations must return.
var (
	ErrNotFound = errors.New("kv: not found")
)

// Store is the key/value contract used by the session and store packages.
// A zero ttl means the key does not expire.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Take atomically reads and deletes key. Used for single-use values.
	Take(ctx context.Context, key string) (string, error)
	Ping(ctx context.Context) error
}

// Key joins a namespace and an id the way every persisted key is built.
func Key(namespace, id string) string {
	return namespace + ":" + id
}
