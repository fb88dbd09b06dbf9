package offenders_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/ratekeeper/internal/offenders"
	"github.com/AlexKimmel/ratekeeper/internal/ratelimit"
	"github.com/AlexKimmel/ratekeeper/internal/ratelimit/memory"
)

var now = time.Date(2024, 5, 1, 12, 34, 56, 0, time.UTC)

func clock() time.Time { return now }

func newTracker() *offenders.Tracker {
	return offenders.NewTracker(memory.NewCounters(clock), offenders.WithClock(clock))
}

func TestTracker_RecordDenialAndTop(t *testing.T) {
	tr := newTracker()
	ctx := context.Background()

	require.NoError(t, tr.RecordDenial(ctx, "alice", now))
	require.NoError(t, tr.RecordDenial(ctx, "bob", now))
	require.NoError(t, tr.RecordDenial(ctx, "bob", now))

	top, err := tr.TopOffenders(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []offenders.Entry{
		{Subject: "bob", Count: 2},
		{Subject: "alice", Count: 1},
	}, top)

	top, err = tr.TopOffenders(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestTracker_TopOffendersInWindow(t *testing.T) {
	tr := newTracker()
	ctx := context.Background()

	require.NoError(t, tr.RecordDenial(ctx, "alice", now.Add(-5*time.Minute)))
	require.NoError(t, tr.RecordDenial(ctx, "alice", now.Add(-30*time.Minute)))
	require.NoError(t, tr.RecordDenial(ctx, "alice", now.Add(-2*time.Hour)))
	for i := 0; i < 3; i++ {
		require.NoError(t, tr.RecordDenial(ctx, "bob", now.Add(-time.Minute)))
	}

	top, err := tr.TopOffendersInWindow(ctx, "1h", "minute", 10)
	require.NoError(t, err)
	assert.Equal(t, []offenders.Entry{
		{Subject: "bob", Count: 3},
		{Subject: "alice", Count: 2},
	}, top)

	top, err = tr.TopOffendersInWindow(ctx, "3h", "hour", 10)
	require.NoError(t, err)
	assert.Equal(t, []offenders.Entry{
		{Subject: "alice", Count: 3},
		{Subject: "bob", Count: 3},
	}, top)

	top, err = tr.TopOffendersInWindow(ctx, "10m", "minute", 10)
	require.NoError(t, err)
	assert.Equal(t, []offenders.Entry{
		{Subject: "bob", Count: 3},
		{Subject: "alice", Count: 1},
	}, top)
}

func TestTracker_Validation(t *testing.T) {
	tr := newTracker()
	ctx := context.Background()

	_, err := tr.TopOffenders(ctx, 0)
	assert.ErrorIs(t, err, ratelimit.ErrValidation)

	for _, c := range []struct{ window, bucket string }{
		{"abc", "minute"},
		{"0m", "minute"},
		{"1h", "week"},
		{"7d", "minute"},
	} {
		_, err := tr.TopOffendersInWindow(ctx, c.window, c.bucket, 10)
		assert.ErrorIs(t, err, ratelimit.ErrValidation, "%s/%s", c.window, c.bucket)
	}

	_, err = tr.TopOffendersInWindow(ctx, "1h", "minute", 0)
	assert.ErrorIs(t, err, ratelimit.ErrValidation)

	assert.ErrorIs(t, tr.RecordDenial(ctx, "", now), ratelimit.ErrValidation)
}

type brokenCounters struct{}

var errDown = errors.New("store down")

func (brokenCounters) Increment(context.Context, string, []offenders.Increment) error { return errDown }
func (brokenCounters) Top(context.Context, string, int) ([]offenders.Entry, error) {
	return nil, errDown
}
func (brokenCounters) UnionTop(context.Context, []string, int, time.Duration) ([]offenders.Entry, error) {
	return nil, errDown
}

func TestTracker_StoreFailuresAreAnalyticsErrors(t *testing.T) {
	tr := offenders.NewTracker(brokenCounters{}, offenders.WithClock(clock))
	ctx := context.Background()

	err := tr.RecordDenial(ctx, "alice", now)
	assert.ErrorIs(t, err, ratelimit.ErrAnalytics)
	assert.ErrorIs(t, err, errDown)

	_, err = tr.TopOffenders(ctx, 5)
	assert.ErrorIs(t, err, ratelimit.ErrAnalytics)

	_, err = tr.TopOffendersInWindow(ctx, "1h", "minute", 5)
	assert.ErrorIs(t, err, ratelimit.ErrAnalytics)
}
