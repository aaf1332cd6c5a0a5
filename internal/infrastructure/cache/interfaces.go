// Package cache memoizes idempotent provider results so a flapping vendor
// does not get hit for reads it already answered.
package cache

import (
	"context"
	"time"
)

// Store holds JSON result envelopes under TTL'd keys. The registry is the
// only writer; everything it stores is a marshaled execution result.
type Store interface {
	// GetJSON unmarshals the value at key into dest. A missing key is an
	// ErrKeyNotFound.
	GetJSON(ctx context.Context, key string, dest any) error

	// SetJSON marshals value and stores it for ttl. Zero ttl means no
	// expiry.
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error

	// Delete drops a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the underlying connection.
	Close() error
}

// ResultPrefix namespaces memoized execution results; full keys read
// "gw:result:<category>:<cache key>".
const ResultPrefix = "gw:result:"

// DefaultTTL is the result lifetime when neither the call nor the registry
// sets one.
const DefaultTTL = 5 * time.Minute

// ErrKeyNotFound reports a cache miss.
type ErrKeyNotFound struct {
	Key string
}

func (e ErrKeyNotFound) Error() string {
	return "cache key not found: " + e.Key
}
