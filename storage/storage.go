// Package storage defines the key-value contract every engine component
// persists through, plus the reference in-memory backend. Implementations
// for other engines (Redis-like servers, relational databases) only need to
// honor this interface; the engine never relies on backend transaction
// semantics beyond what is documented here.
package storage

import (
	"context"
	"errors"
	"time"
)

// TTLNone is returned by TTL for keys stored without an expiry.
const TTLNone = time.Duration(-1)

// ErrNotFound is returned when a key is absent or its TTL has elapsed.
// Expired keys are indistinguishable from deleted ones.
var ErrNotFound = errors.New("storage: key not found")

// Store is a key-value store with per-key TTL. Keys are opaque strings
// namespaced by prefix per concern (tokens, sessions, tickets, codes,
// nonces, distributed sessions). Values are opaque strings; components
// JSON-encode their records.
//
// A ttl <= 0 on Set and SetIfAbsent stores the key without an expiry.
// Every method treats an expired key as absent.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any existing entry and its TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent stores value only when key is absent, reporting whether
	// the write happened. The check and the write are a single atomic step,
	// which is what makes single-use semantics (nonce consumption) safe
	// under concurrency.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// GetDelete returns the value stored under key and removes it in the
	// same atomic step, or returns ErrNotFound. Two concurrent consumers of
	// the same key see at most one success.
	GetDelete(ctx context.Context, key string) (string, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key holds an unexpired value.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire replaces the TTL of an existing key. A ttl <= 0 removes the
	// expiry. Returns ErrNotFound when the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime of key, TTLNone when the key has
	// no expiry, or ErrNotFound when the key is absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
