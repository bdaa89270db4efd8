// Package store persists the bridge's server-side state: inbound sessions and the
// per-user provider tokens loaded by adsbridge.TenantCredentials.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("store: not found")

// Store is a byte-oriented key/value store with per-key expiry. A zero ttl keeps the
// value until it is deleted.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
