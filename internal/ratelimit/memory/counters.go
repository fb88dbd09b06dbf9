package memory

import (
	"context"
	"sync"
	"time"

	"github.com/AlexKimmel/ratekeeper/internal/offenders"
)

type counterSet struct {
	scores    map[string]int64
	expiresAt time.Time // zero means no expiry
}

func (s *counterSet) expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && !now.Before(s.expiresAt)
}

// Counters is an in-process offenders.Counters.
type Counters struct {
	mu   sync.Mutex
	sets map[string]*counterSet
	now  func() time.Time
}

// NewCounters returns empty counters using clock now (time.Now if nil).
func NewCounters(now func() time.Time) *Counters {
	if now == nil {
		now = time.Now
	}
	return &Counters{
		sets: make(map[string]*counterSet),
		now:  now,
	}
}

// Increment bumps subject in every key under one lock.
func (c *Counters) Increment(ctx context.Context, subject string, incs []offenders.Increment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, inc := range incs {
		set, ok := c.sets[inc.Key]
		if !ok || set.expired(now) {
			if !ok {
				c.sweepLocked(now)
			}
			set = &counterSet{scores: make(map[string]int64)}
			c.sets[inc.Key] = set
		}
		set.scores[subject]++
		if inc.TTL > 0 {
			set.expiresAt = now.Add(inc.TTL)
		}
	}
	return nil
}

// Top returns the n highest entries of key.
func (c *Counters) Top(ctx context.Context, key string, n int) ([]offenders.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.sets[key]
	if !ok || set.expired(c.now()) {
		return []offenders.Entry{}, nil
	}
	return offenders.Rank(set.scores, n), nil
}

// UnionTop sums keys per subject. The union is computed on the fly and
// never stored, so ttl is not used.
func (c *Counters) UnionTop(ctx context.Context, keys []string, n int, _ time.Duration) ([]offenders.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	sum := make(map[string]int64)
	for _, k := range keys {
		set, ok := c.sets[k]
		if !ok || set.expired(now) {
			continue
		}
		for s, v := range set.scores {
			sum[s] += v
		}
	}
	return offenders.Rank(sum, n), nil
}

func (c *Counters) sweepLocked(now time.Time) {
	for k, s := range c.sets {
		if s.expired(now) {
			delete(c.sets, k)
		}
	}
}
