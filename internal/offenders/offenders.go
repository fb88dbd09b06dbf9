// Package offenders tracks subjects that get denied: one global counter and
// minute, hour and day counters per subject, with windowed top-N queries
// that sum the tiered counters covering a time span.
package offenders

import (
	"context"
	"sort"
	"time"

	"github.com/AlexKimmel/ratekeeper/internal/ratelimit"
)

const (
	DefaultGlobalKey    = "rate:top_offenders"
	DefaultPrefix       = "rate:top_offenders"
	DefaultMaxIntervals = 1500
	DefaultUnionTTL     = 30 * time.Second
)

// Entry is one subject and its denial count.
type Entry struct {
	Subject string `json:"user_id"`
	Count   int64  `json:"denies"`
}

// Increment bumps one counter key. A zero TTL leaves the key without expiry.
type Increment struct {
	Key string
	TTL time.Duration
}

// Counters stores sorted subject -> count sets.
type Counters interface {
	// Increment adds one to subject in every key, as a single atomic unit,
	// refreshing each key's TTL.
	Increment(ctx context.Context, subject string, incs []Increment) error
	// Top returns the n highest entries of key.
	Top(ctx context.Context, key string, n int) ([]Entry, error)
	// UnionTop sums keys per subject and returns the n highest entries. Any
	// materialised union lives at most ttl.
	UnionTop(ctx context.Context, keys []string, n int, ttl time.Duration) ([]Entry, error)
}

// Tracker records denials and answers ranking queries.
type Tracker struct {
	counters     Counters
	globalKey    string
	prefix       string
	maxIntervals int
	unionTTL     time.Duration
	now          func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithKeys sets the global counter key and the tiered key prefix.
func WithKeys(globalKey, prefix string) Option {
	return func(t *Tracker) {
		if globalKey != "" {
			t.globalKey = globalKey
		}
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

// WithMaxIntervals caps the number of counters one window query may union.
func WithMaxIntervals(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxIntervals = n
		}
	}
}

// WithUnionTTL sets the lifetime of materialised window unions.
func WithUnionTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.unionTTL = d
		}
	}
}

// WithClock replaces time.Now for window queries.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker returns a Tracker over counters.
func NewTracker(counters Counters, opts ...Option) *Tracker {
	t := &Tracker{
		counters:     counters,
		globalKey:    DefaultGlobalKey,
		prefix:       DefaultPrefix,
		maxIntervals: DefaultMaxIntervals,
		unionTTL:     DefaultUnionTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TierKey is the counter key for the interval of g containing at.
func (t *Tracker) TierKey(g Granularity, at time.Time) string {
	return t.prefix + ":" + string(g) + ":" + g.Tag(at)
}

// RecordDenial counts one denial for subject at the given time.
func (t *Tracker) RecordDenial(ctx context.Context, subject string, at time.Time) error {
	if subject == "" {
		return ratelimit.Validationf("subject is required")
	}
	incs := make([]Increment, 0, len(Tiers)+1)
	incs = append(incs, Increment{Key: t.globalKey})
	for _, g := range Tiers {
		incs = append(incs, Increment{Key: t.TierKey(g, g.Floor(at)), TTL: g.TTL()})
	}
	if err := t.counters.Increment(ctx, subject, incs); err != nil {
		return ratelimit.Analytics("record_denial", err)
	}
	return nil
}

// TopOffenders returns up to n subjects from the global counter.
func (t *Tracker) TopOffenders(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, ratelimit.Validationf("n must be > 0")
	}
	out, err := t.counters.Top(ctx, t.globalKey, n)
	if err != nil {
		return nil, ratelimit.Analytics("top_offenders", err)
	}
	return out, nil
}

// WindowKeys lists the tiered counter keys covering the window ending now,
// newest first.
func (t *Tracker) WindowKeys(window time.Duration, g Granularity, now time.Time) ([]string, error) {
	if window <= 0 {
		return nil, ratelimit.Validationf("window must be > 0")
	}
	starts, err := intervals(now, window, g, t.maxIntervals)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(starts))
	for i, s := range starts {
		keys[i] = t.TierKey(g, s)
	}
	return keys, nil
}

// TopOffendersInWindow sums the granularity counters covering the last
// window (for example "1h") and returns the n highest subjects.
func (t *Tracker) TopOffendersInWindow(ctx context.Context, window, granularity string, n int) ([]Entry, error) {
	d, err := ParseWindow(window)
	if err != nil {
		return nil, err
	}
	g, err := ParseGranularity(granularity)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, ratelimit.Validationf("n must be > 0")
	}
	keys, err := t.WindowKeys(d, g, t.now())
	if err != nil {
		return nil, err
	}
	out, err := t.counters.UnionTop(ctx, keys, n, t.unionTTL)
	if err != nil {
		return nil, ratelimit.Analytics("top_offenders_window", err)
	}
	return out, nil
}

// Rank orders counts by descending count, then ascending subject, and keeps
// at most n.
func Rank(counts map[string]int64, n int) []Entry {
	out := make([]Entry, 0, len(counts))
	for s, c := range counts {
		out = append(out, Entry{Subject: s, Count: c})
	}
	Sort(out)
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Sort orders entries by descending count, then ascending subject.
func Sort(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Subject < entries[j].Subject
	})
}
