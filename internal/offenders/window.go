package offenders

import (
	"strconv"
	"strings"
	"time"

	"github.com/AlexKimmel/ratekeeper/internal/ratelimit"
)

// Granularity is the interval size of a tiered counter.
type Granularity string

const (
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
)

// Tiers lists every tiered granularity, finest first.
var Tiers = []Granularity{Minute, Hour, Day}

// ParseGranularity accepts minute, hour or day.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case Minute, Hour, Day:
		return g, nil
	default:
		return "", ratelimit.Validationf("invalid granularity %q; use minute|hour|day", s)
	}
}

// Step is the length of one interval.
func (g Granularity) Step() time.Duration {
	switch g {
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// TTL is how long a counter of this granularity is kept. Each tier outlives
// its own natural query window.
func (g Granularity) TTL() time.Duration {
	switch g {
	case Hour:
		return 48 * time.Hour
	case Day:
		return 14 * 24 * time.Hour
	default:
		return 90 * time.Minute
	}
}

// Floor truncates t (in UTC) to the start of its interval.
func (g Granularity) Floor(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	}
}

// Tag formats the interval containing t.
func (g Granularity) Tag(t time.Time) string {
	t = t.UTC()
	switch g {
	case Hour:
		return t.Format("2006010215")
	case Day:
		return t.Format("20060102")
	default:
		return t.Format("200601021504")
	}
}

// ParseWindow parses "<n>m", "<n>h" or "<n>d" with n > 0.
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, ratelimit.Validationf("invalid window %q; use 15m|1h|24h|7d", s)
	}
	amount, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || amount <= 0 {
		return 0, ratelimit.Validationf("invalid window %q; use 15m|1h|24h|7d", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return 0, ratelimit.Validationf("invalid window %q; use 15m|1h|24h|7d", s)
	}
	if int64(amount) > int64(100*365*24*time.Hour/unit) {
		return 0, ratelimit.Validationf("window %q is too long", s)
	}
	return time.Duration(amount) * unit, nil
}

// intervals returns the aligned interval starts covering [now-window, now],
// newest first, or a validation error when more than limit would be needed.
func intervals(now time.Time, window time.Duration, g Granularity, limit int) ([]time.Time, error) {
	last := g.Floor(now)
	first := g.Floor(now.Add(-window))
	step := g.Step()

	n := int(last.Sub(first)/step) + 1
	if limit > 0 && n > limit {
		return nil, ratelimit.Validationf("window needs %d %s intervals; at most %d allowed", n, g, limit)
	}
	out := make([]time.Time, 0, n)
	for cur := last; !cur.Before(first); cur = cur.Add(-step) {
		out = append(out, cur)
	}
	return out, nil
}
