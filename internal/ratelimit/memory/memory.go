// Package memory holds the in-process stores: a bucket backend guarded by
// per-key mutexes and offender counters. State is local to the process, so
// it only gives a global limit for single-instance deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AlexKimmel/ratekeeper/internal/ratelimit"
)

type bucket struct {
	mu sync.Mutex

	dead      bool // reaped; callers holding a stale pointer must retry
	fresh     bool // created but never transacted
	capacity  int64
	rate      int64
	scale     int64
	tokens    int64
	last      time.Time
	expiresAt time.Time
}

type idemKey struct {
	key   ratelimit.Key
	token string
}

type idemRecord struct {
	res       ratelimit.Result
	expiresAt time.Time
}

// Limiter is the local bucket backend.
type Limiter struct {
	now    func() time.Time
	bucket sync.Map // ratelimit.Key -> *bucket
	idem   sync.Map // idemKey -> idemRecord

	cleanupInterval time.Duration
	closeOnce       sync.Once
	done            chan struct{}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithCleanupInterval sets how often idle buckets and expired idempotency
// records are reaped. Zero disables the background janitor.
func WithCleanupInterval(d time.Duration) Option {
	return func(l *Limiter) { l.cleanupInterval = d }
}

// New returns a Limiter with a running janitor.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		now:             time.Now,
		cleanupInterval: time.Minute,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cleanupInterval > 0 {
		go l.cleanup()
	}
	return l
}

// Close stops the janitor. It is safe to call more than once.
func (l *Limiter) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

// Decide runs the refill, check and deduct transaction under the bucket's
// mutex.
func (l *Limiter) Decide(ctx context.Context, tx ratelimit.Transaction) (ratelimit.Result, error) {
	if err := ctx.Err(); err != nil {
		return ratelimit.Result{}, err
	}

	for {
		b := l.load(tx.Key)
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		res := l.decideLocked(b, tx)
		b.mu.Unlock()
		return res, nil
	}
}

func (l *Limiter) load(key ratelimit.Key) *bucket {
	if v, ok := l.bucket.Load(key); ok {
		return v.(*bucket)
	}
	v, _ := l.bucket.LoadOrStore(key, &bucket{fresh: true})
	return v.(*bucket)
}

func (l *Limiter) decideLocked(b *bucket, tx ratelimit.Transaction) ratelimit.Result {
	now := l.now()

	var ik idemKey
	if tx.IdempotencyToken != "" {
		ik = idemKey{key: tx.Key, token: tx.IdempotencyToken}
		if v, ok := l.idem.Load(ik); ok {
			rec := v.(idemRecord)
			if now.Before(rec.expiresAt) {
				res := rec.res
				res.Cached = true
				return res
			}
			l.idem.CompareAndDelete(ik, v)
		}
	}

	maxTokens := tx.CapacityTokens * tx.Scale
	if b.fresh || !now.Before(b.expiresAt) {
		b.tokens = maxTokens
		b.last = now
		b.scale = tx.Scale
		b.fresh = false
	}
	if b.scale != tx.Scale {
		b.tokens = ratelimit.Rescale(b.tokens, b.scale, tx.Scale)
		b.scale = tx.Scale
	}
	if b.tokens > maxTokens {
		b.tokens = maxTokens
	}

	elapsed := now.Sub(b.last)
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens = ratelimit.Refill(b.tokens, maxTokens, tx.RateSubtokens, elapsed)
	if now.After(b.last) {
		b.last = now
	}
	b.capacity = tx.CapacityTokens
	b.rate = tx.RateSubtokens

	res := ratelimit.Result{Scale: tx.Scale}
	need := tx.Cost * tx.Scale
	if b.tokens >= need {
		b.tokens -= need
		res.Allowed = true
	} else {
		res.RetryAfter = ratelimit.RetryAfter(need-b.tokens, tx.RateSubtokens)
	}
	res.RemainingSubtokens = b.tokens
	b.expiresAt = now.Add(tx.TTL)

	if tx.IdempotencyToken != "" {
		l.idem.Store(ik, idemRecord{res: res, expiresAt: now.Add(tx.IdempotencyTTL)})
	}
	return res
}

// Buckets returns a snapshot of every live bucket owned by subject.
func (l *Limiter) Buckets(ctx context.Context, subject string) ([]ratelimit.BucketState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := l.now()
	var out []ratelimit.BucketState
	l.bucket.Range(func(k, v any) bool {
		key := k.(ratelimit.Key)
		if key.Subject != subject {
			return true
		}
		b := v.(*bucket)
		b.mu.Lock()
		if !b.dead && !b.fresh && now.Before(b.expiresAt) {
			out = append(out, ratelimit.BucketState{
				Resource:       key.Resource,
				CapacityTokens: b.capacity,
				RateSubtokens:  b.rate,
				Scale:          b.scale,
				Tokens:         b.tokens,
				LastRefill:     b.last,
			})
		}
		b.mu.Unlock()
		return true
	})
	return out, nil
}

// CountBuckets counts live buckets.
func (l *Limiter) CountBuckets(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := l.now()
	var n int64
	l.bucket.Range(func(_, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if !b.dead && !b.fresh && now.Before(b.expiresAt) {
			n++
		}
		b.mu.Unlock()
		return true
	})
	return n, nil
}

// Ping always succeeds for an in-process store.
func (l *Limiter) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictExpired()
		}
	}
}

// evictExpired drops idle buckets and expired idempotency records. Buckets
// that are busy are left for the next sweep.
func (l *Limiter) evictExpired() {
	now := l.now()
	l.bucket.Range(func(k, v any) bool {
		b := v.(*bucket)
		if !b.mu.TryLock() {
			return true
		}
		// fresh buckets are ones only ever used for an idempotent replay
		if b.fresh || !now.Before(b.expiresAt) {
			b.dead = true
			l.bucket.CompareAndDelete(k, v)
		}
		b.mu.Unlock()
		return true
	})
	l.idem.Range(func(k, v any) bool {
		if !now.Before(v.(idemRecord).expiresAt) {
			l.idem.CompareAndDelete(k, v)
		}
		return true
	})
}
