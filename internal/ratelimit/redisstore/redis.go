// Package redisstore is the shared bucket backend. Each transaction runs as
// one Lua script inside Redis, so every service instance sees the same
// buckets and Redis' clock is the only time source.
package redisstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/ratekeeper/internal/ratelimit"
)

//go:embed token_bucket.lua
var tokenBucketScript string

const (
	DefaultPrefix            = "rl:"
	DefaultIdempotencyPrefix = "idem:"
	DefaultTimeout           = 2 * time.Second
)

// Limiter is the Redis bucket backend.
type Limiter struct {
	client     redis.UniversalClient
	script     *redis.Script
	prefix     string
	idemPrefix string
	timeout    time.Duration
	log        zerolog.Logger
	misses     atomic.Int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithPrefix sets the bucket key prefix (default "rl:").
func WithPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithIdempotencyPrefix sets the idempotency record key prefix
// (default "idem:").
func WithIdempotencyPrefix(prefix string) Option {
	return func(l *Limiter) { l.idemPrefix = prefix }
}

// WithTimeout bounds every Redis round trip. Zero leaves the caller's
// context alone.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) { l.timeout = d }
}

// WithLogger sets the logger used for script reloads.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// New returns a Limiter over client. The script is not loaded here; the
// first EVALSHA miss loads it.
func New(client redis.UniversalClient, opts ...Option) *Limiter {
	l := &Limiter{
		client:     client,
		script:     redis.NewScript(tokenBucketScript),
		prefix:     DefaultPrefix,
		idemPrefix: DefaultIdempotencyPrefix,
		timeout:    DefaultTimeout,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Close is a no-op; the client belongs to the caller.
func (l *Limiter) Close() error { return nil }

// ScriptMisses reports how many times the script had to be re-submitted.
func (l *Limiter) ScriptMisses() int64 { return l.misses.Load() }

// BucketKey is the hash holding the bucket for k, laid out as
// prefix + len(subject) + ":" + subject + ":" + resource. The length makes
// the subject boundary unambiguous when subjects or resources contain ':'.
func (l *Limiter) BucketKey(k ratelimit.Key) string {
	return l.subjectBase(k.Subject) + k.Resource
}

// IdempotencyKey is the hash holding a cached verdict. Subject and resource
// are both length-prefixed; the token runs to the end of the key.
func (l *Limiter) IdempotencyKey(k ratelimit.Key, token string) string {
	return l.idemPrefix + lengthPrefixed(k.Subject) + lengthPrefixed(k.Resource) + token
}

// subjectBase is the common prefix of every bucket key owned by subject.
func (l *Limiter) subjectBase(subject string) string {
	return l.prefix + lengthPrefixed(subject)
}

func lengthPrefixed(s string) string {
	return strconv.Itoa(len(s)) + ":" + s + ":"
}

func (l *Limiter) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.timeout)
}

// Decide evaluates the token bucket script for tx.
func (l *Limiter) Decide(ctx context.Context, tx ratelimit.Transaction) (ratelimit.Result, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	keys := []string{l.BucketKey(tx.Key), ""}
	if tx.IdempotencyToken != "" {
		keys[1] = l.IdempotencyKey(tx.Key, tx.IdempotencyToken)
	}
	args := []any{
		tx.CapacityTokens,
		tx.RateSubtokens,
		tx.Cost,
		tx.Scale,
		ttlSeconds(tx.TTL),
		ttlSeconds(tx.IdempotencyTTL),
	}

	raw, err := l.eval(ctx, keys, args...)
	if err != nil {
		return ratelimit.Result{}, fmt.Errorf("token bucket script: %w", err)
	}

	values, ok := raw.([]any)
	if !ok || len(values) != 4 {
		return ratelimit.Result{}, errors.New("token bucket script: invalid reply format")
	}
	allowed, ok1 := toInt64(values[0])
	retryUS, ok2 := toInt64(values[1])
	remaining, ok3 := toInt64(values[2])
	cached, ok4 := toInt64(values[3])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return ratelimit.Result{}, errors.New("token bucket script: invalid reply values")
	}

	return ratelimit.Result{
		Allowed:            allowed == 1,
		RetryAfter:         time.Duration(retryUS) * time.Microsecond,
		RemainingSubtokens: remaining,
		Scale:              tx.Scale,
		Cached:             cached == 1,
	}, nil
}

// eval runs the script by hash and re-submits the body once when Redis has
// lost its script cache.
func (l *Limiter) eval(ctx context.Context, keys []string, args ...any) (any, error) {
	raw, err := l.client.EvalSha(ctx, l.script.Hash(), keys, args...).Result()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		l.misses.Add(1)
		l.log.Info().Str("sha", l.script.Hash()).Msg("token bucket script not cached, re-submitting")
		raw, err = l.client.Eval(ctx, tokenBucketScript, keys, args...).Result()
	}
	return raw, err
}

// Buckets scans every bucket of subject and reads its persisted fields.
func (l *Limiter) Buckets(ctx context.Context, subject string) ([]ratelimit.BucketState, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	base := l.subjectBase(subject)
	var keys []string
	iter := l.client.Scan(ctx, 0, escapeGlob(base)+"*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan buckets: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.SliceCmd, len(keys))
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.HMGet(ctx, k, "tokens", "capacity_tokens", "rate_subtokens_per_sec", "scale", "last_refill_ts")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read buckets: %w", err)
	}

	out := make([]ratelimit.BucketState, 0, len(keys))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 5 || vals[0] == nil {
			// expired between SCAN and HMGET
			continue
		}
		st := ratelimit.BucketState{Resource: strings.TrimPrefix(keys[i], base)}
		st.Tokens, _ = toInt64(vals[0])
		st.CapacityTokens, _ = toInt64(vals[1])
		st.RateSubtokens, _ = toInt64(vals[2])
		st.Scale, _ = toInt64(vals[3])
		if us, ok := toInt64(vals[4]); ok {
			st.LastRefill = time.UnixMicro(us)
		}
		out = append(out, st)
	}
	return out, nil
}

// CountBuckets counts bucket keys.
func (l *Limiter) CountBuckets(ctx context.Context) (int64, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	var n int64
	iter := l.client.Scan(ctx, 0, escapeGlob(l.prefix)+"*", 1000).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("scan buckets: %w", err)
	}
	return n, nil
}

// Ping checks Redis is reachable and can run scripts.
func (l *Limiter) Ping(ctx context.Context) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	if err := l.client.Ping(ctx).Err(); err != nil {
		return err
	}
	return l.client.Eval(ctx, "return 1", nil).Err()
}

func ttlSeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), true
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil {
			return n, true
		}
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, false
		}
		return int64(f), true
	default:
		return 0, false
	}
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
