package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AlexKimmel/ratekeeper/internal/offenders"
)

// Counters keeps offender counts in Redis sorted sets.
type Counters struct {
	client    redis.UniversalClient
	tmpPrefix string
}

// NewCounters returns Counters that write temporary unions under
// tmpPrefix + ":tmp:".
func NewCounters(client redis.UniversalClient, tmpPrefix string) *Counters {
	if tmpPrefix == "" {
		tmpPrefix = offenders.DefaultPrefix
	}
	return &Counters{client: client, tmpPrefix: tmpPrefix}
}

// Increment runs ZINCRBY and EXPIRE for every key in one MULTI/EXEC.
func (c *Counters) Increment(ctx context.Context, subject string, incs []offenders.Increment) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, inc := range incs {
			pipe.ZIncrBy(ctx, inc.Key, 1, subject)
			if inc.TTL > 0 {
				pipe.Expire(ctx, inc.Key, inc.TTL)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment offenders: %w", err)
	}
	return nil
}

// Top reads the n highest members of key.
func (c *Counters) Top(ctx context.Context, key string, n int) ([]offenders.Entry, error) {
	zs, err := c.client.ZRevRangeWithScores(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read offenders: %w", err)
	}
	return c.withTies(ctx, key, zs, n)
}

// UnionTop stores the ZUNIONSTORE of keys under a temporary key that
// expires after ttl, and reads its top n in the same transaction.
func (c *Counters) UnionTop(ctx context.Context, keys []string, n int, ttl time.Duration) ([]offenders.Entry, error) {
	if len(keys) == 0 {
		return []offenders.Entry{}, nil
	}
	tmp := c.tmpPrefix + ":tmp:" + uuid.NewString()

	var rng *redis.ZSliceCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZUnionStore(ctx, tmp, &redis.ZStore{Keys: keys, Aggregate: "SUM"})
		pipe.Expire(ctx, tmp, ttl)
		rng = pipe.ZRevRangeWithScores(ctx, tmp, 0, int64(n-1))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("union offenders: %w", err)
	}
	return c.withTies(ctx, tmp, rng.Val(), n)
}

// withTies replaces the members of a full page that share the lowest score
// with the lexicographically smallest members at that score. ZREVRANGE picks
// tied members in descending order.
func (c *Counters) withTies(ctx context.Context, key string, zs []redis.Z, n int) ([]offenders.Entry, error) {
	if n <= 0 || len(zs) < n {
		return entries(zs, n), nil
	}
	edge := zs[len(zs)-1].Score
	bound := strconv.FormatFloat(edge, 'f', -1, 64)
	tied, err := c.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: bound, Max: bound, Count: int64(n),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read tied offenders: %w", err)
	}
	merged := make([]redis.Z, 0, len(zs)+len(tied))
	for _, z := range zs {
		if z.Score > edge {
			merged = append(merged, z)
		}
	}
	merged = append(merged, tied...)
	return entries(merged, n), nil
}

func entries(zs []redis.Z, n int) []offenders.Entry {
	out := make([]offenders.Entry, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			member = fmt.Sprint(z.Member)
		}
		out = append(out, offenders.Entry{Subject: member, Count: int64(z.Score)})
	}
	offenders.Sort(out)
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
