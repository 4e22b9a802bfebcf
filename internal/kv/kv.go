// Package kv defines the key-value store contract the call-signaling core
// runs against, with a redis implementation for production and an in-memory
// implementation for tests. Nothing above this package imports go-redis.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrTxConflict is returned by Store.Watch when another writer touched the
// watched key between the watch and the conditional commit.
var ErrTxConflict = errors.New("kv: optimistic transaction conflict")

// Store is the minimal surface the session store, reservation layer and
// timeout sweeper need. TTLs of zero mean "no expiry".
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the key only if absent. Returns true if the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	// DelIfEquals deletes the key only if it currently holds expected.
	// Returns true if the key was deleted.
	DelIfEquals(ctx context.Context, key, expected string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Watch runs fn under an optimistic watch on key. Writes staged through
	// Tx.Commit are applied atomically only if the key is untouched since the
	// watch began; a lost race surfaces as ErrTxConflict from Watch. Returning
	// from fn without committing releases the watch with no writes.
	Watch(ctx context.Context, key string, fn func(tx Tx) error) error

	// Time-ordered index over string members, used to find ringing calls
	// older than a cutoff.
	IndexAdd(ctx context.Context, index, member string, at time.Time) error
	IndexOlderThan(ctx context.Context, index string, cutoff time.Time, limit int64) ([]string, error)
	IndexRemove(ctx context.Context, index string, members ...string) error
}

// Tx is the handle passed to a Watch body.
type Tx interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// Commit applies the staged writes conditionally. The conflict error, if
	// any, is reported by the enclosing Watch call.
	Commit(ctx context.Context, fn func(p Pipe)) error
}

// Pipe stages writes for a conditional commit.
type Pipe interface {
	Set(key, value string, ttl time.Duration)
	Del(key string)
	Expire(key string, ttl time.Duration)
}
