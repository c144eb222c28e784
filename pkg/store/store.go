// Package store provides the durable primitives every other component is
// built on: an atomic key/value space with TTL, sorted sets, and lists.
//
// The adapter makes no cross-key transactional promises. Each method is
// individually atomic; callers (coordinator, breaker) are designed so that
// a crash between two calls leaves the system recoverable, not corrupt.
package store

import (
	"context"
	"time"
)

// Member is a sorted-set member with its score.
type Member struct {
	Member string
	Score  float64
}

// Store is the durable store adapter consumed by the breaker, coordinator,
// and workflow manager.
type Store interface {
	// Get returns the value for key. The second return is false when the
	// key is absent or its TTL has expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes key=value. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ZAdd inserts or updates member in the sorted set at key.
	ZAdd(ctx context.Context, key, member string, score float64) error

	// ZScore returns the score of member, and whether it exists.
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	// ZPopMin atomically removes and returns the lowest-scored member.
	// Ties break on member lexicographic order. ok is false on empty set.
	ZPopMin(ctx context.Context, key string) (member string, score float64, ok bool, err error)

	// ZRangeByScore returns members with min <= score <= max, ascending.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]Member, error)

	// ZRem removes member from the set, reporting whether it was present.
	ZRem(ctx context.Context, key, member string) (bool, error)

	// ZCard returns the cardinality of the set at key.
	ZCard(ctx context.Context, key string) (int, error)

	// RPush appends value to the list at key.
	RPush(ctx context.Context, key string, value []byte) error

	// LLen returns the length of the list at key.
	LLen(ctx context.Context, key string) (int, error)

	// LRange returns list elements from start to stop inclusive. Negative
	// indices count from the end, Redis style (-1 is the last element).
	LRange(ctx context.Context, key string, start, stop int) ([][]byte, error)

	// PurgeExpired removes KV entries whose TTL has passed and returns
	// the number removed. Reads already treat expired keys as absent;
	// this reclaims the space.
	PurgeExpired(ctx context.Context) (int, error)

	// Close releases the underlying resources.
	Close() error
}

// Inf and NegInf are sentinel scores for unbounded ZRangeByScore queries.
const (
	Inf    = 1e308
	NegInf = -1e308
)
