// Package ratelimit is the rate decision engine: a token bucket per
// (subject, resource) evaluated atomically by a pluggable Backend.
package ratelimit

import (
	"context"
	"time"
)

// DefaultResource is used when a request names no resource.
const DefaultResource = "default"

// Key identifies one bucket.
type Key struct {
	Subject  string
	Resource string
}

// Limit is a bucket policy in whole tokens.
type Limit struct {
	Capacity   int64   // bucket size in whole tokens
	RatePerSec float64 // refill speed in tokens per second
}

// Transaction is one atomic refill, check and deduct on a bucket.
type Transaction struct {
	Key            Key
	CapacityTokens int64
	RateSubtokens  int64 // refill speed in subtokens per second
	Scale          int64
	Cost           int64 // whole tokens
	TTL            time.Duration

	// IdempotencyToken is optional. When set, a verdict recorded under the
	// same key and token is replayed instead of touching the bucket.
	IdempotencyToken string
	IdempotencyTTL   time.Duration
}

// Result is what a Backend returns for a Transaction.
type Result struct {
	Allowed            bool
	RetryAfter         time.Duration
	RemainingSubtokens int64
	Scale              int64
	Cached             bool
}

// Remaining converts the remaining subtokens to (fractional) tokens.
func (r Result) Remaining() float64 {
	if r.Scale <= 0 {
		return 0
	}
	return float64(r.RemainingSubtokens) / float64(r.Scale)
}

// Backend performs bucket transactions. Decide must be atomic per key: no
// other Decide on the same key may observe an intermediate state.
type Backend interface {
	Decide(ctx context.Context, tx Transaction) (Result, error)
	Close() error
}

// BucketState is a persisted bucket as read back for projections.
type BucketState struct {
	Resource       string
	CapacityTokens int64
	RateSubtokens  int64
	Scale          int64
	Tokens         int64 // subtokens
	LastRefill     time.Time
}

// Inspector is the read side of a bucket store. It never mutates state.
type Inspector interface {
	Buckets(ctx context.Context, subject string) ([]BucketState, error)
	CountBuckets(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Store is a Backend that can also be inspected.
type Store interface {
	Backend
	Inspector
}
