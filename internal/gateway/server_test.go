package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/ratekeeper/internal/auth"
	"github.com/AlexKimmel/ratekeeper/internal/obs"
	"github.com/AlexKimmel/ratekeeper/internal/offenders"
	"github.com/AlexKimmel/ratekeeper/internal/ratelimit"
	"github.com/AlexKimmel/ratekeeper/internal/ratelimit/memory"
)

var fixedNow = time.Date(2024, 5, 1, 12, 34, 56, 0, time.UTC)

func clock() time.Time { return fixedNow }

type testEnv struct {
	handler http.Handler
	metrics *obs.Metrics
}

type envOption func(*Deps)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	lim := memory.New(memory.WithClock(clock), memory.WithCleanupInterval(0))
	t.Cleanup(func() { _ = lim.Close() })

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg)
	tracker := offenders.NewTracker(memory.NewCounters(clock), offenders.WithClock(clock))

	engine, err := ratelimit.NewEngine(lim, ratelimit.Config{
		Default:   ratelimit.Limit{Capacity: 10, RatePerSec: 5},
		Resources: map[string]ratelimit.Limit{"search": {Capacity: 4, RatePerSec: 2}},
	},
		ratelimit.WithDenialRecorder(tracker),
		ratelimit.WithRecorder(metrics),
		ratelimit.WithClock(clock),
	)
	require.NoError(t, err)

	d := Deps{
		Engine:    engine,
		Offenders: tracker,
		Buckets:   ratelimit.NewProjector(lim),
		Metrics:   metrics,
		Gatherer:  reg,
		Logger:    zerolog.Nop(),
		MaxBody:   1 << 10,
	}
	for _, opt := range opts {
		opt(&d)
	}
	return &testEnv{handler: NewHandler(d), metrics: metrics}
}

func (e *testEnv) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAllow_AllowThenDeny(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 4; i++ {
		rec := env.do(t, http.MethodPost, "/allow?user_id=alice&resource=search", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode[allowResponse](t, rec)
		assert.True(t, body.Allowed)
		assert.InDelta(t, float64(3-i), body.TokensLeft, 1e-9)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := env.do(t, http.MethodPost, "/allow?user_id=alice&resource=search", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0.5", rec.Header().Get("Retry-After"))
	body := decode[allowResponse](t, rec)
	assert.False(t, body.Allowed)
	assert.InDelta(t, 0.5, body.RetryAfter, 1e-9)
	assert.InDelta(t, 0.0, body.TokensLeft, 1e-9)
}

func TestAllow_DefaultResourceAndCost(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/allow?user_id=alice&cost=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 7.0, decode[allowResponse](t, rec).TokensLeft, 1e-9)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
}

func TestAllow_Validation(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{
		"/allow",
		"/allow?user_id=alice&cost=abc",
		"/allow?user_id=alice&cost=0",
		"/allow?user_id=alice&cost=-1",
	} {
		rec := env.do(t, http.MethodPost, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		body := decode[errorBody](t, rec)
		assert.Equal(t, "VALIDATION", body.Error.Code, target)
		assert.NotEmpty(t, body.Error.RequestID)
	}
}

func TestAllow_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	h := http.Header{"Idempotency-Key": []string{"req-1"}}

	first := env.do(t, http.MethodPost, "/allow?user_id=alice&resource=search", h)
	second := env.do(t, http.MethodPost, "/allow?user_id=alice&resource=search", h)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, decode[allowResponse](t, first), decode[allowResponse](t, second))

	third := env.do(t, http.MethodPost, "/allow?user_id=alice&resource=search&idempotency=req-2", nil)
	assert.InDelta(t, 2.0, decode[allowResponse](t, third).TokensLeft, 1e-9)
}

type downBackend struct{}

func (downBackend) Decide(context.Context, ratelimit.Transaction) (ratelimit.Result, error) {
	return ratelimit.Result{}, context.DeadlineExceeded
}
func (downBackend) Close() error { return nil }

type downViews struct{}

func (downViews) SubjectProjection(context.Context, string) ([]ratelimit.ResourceView, error) {
	return nil, ratelimit.Unavailable(errors.New("down"))
}
func (downViews) ActiveKeys(context.Context) (int64, error) {
	return 0, ratelimit.Analytics("count_buckets", errors.New("down"))
}
func (downViews) Ping(context.Context) error { return ratelimit.Unavailable(errors.New("down")) }

func TestAllow_BackendUnavailable(t *testing.T) {
	engine, err := ratelimit.NewEngine(downBackend{}, ratelimit.Config{Default: ratelimit.Limit{Capacity: 1, RatePerSec: 1}})
	require.NoError(t, err)
	env := newTestEnv(t, func(d *Deps) {
		d.Engine = engine
		d.Buckets = downViews{}
	})

	rec := env.do(t, http.MethodPost, "/allow?user_id=alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "BACKEND_UNAVAILABLE", decode[errorBody](t, rec).Error.Code)

	rec = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/user/alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code, "stats degrade instead of failing")
	assert.Contains(t, rec.Body.String(), `"active_keys":null`)
}

func TestAdmin_StatsAndOffenders(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 6; i++ {
		env.do(t, http.MethodPost, "/allow?user_id=alice&resource=search", nil)
	}
	for i := 0; i < 5; i++ {
		env.do(t, http.MethodPost, "/allow?user_id=bob&resource=search", nil)
	}

	rec := env.do(t, http.MethodGet, "/admin/stats?top_n=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[statsResponse](t, rec)
	assert.Equal(t, int64(8), stats.AllowedTotal)
	assert.Equal(t, int64(3), stats.DeniedTotal)
	require.NotNil(t, stats.ActiveKeys)
	assert.Equal(t, int64(2), *stats.ActiveKeys)
	assert.Equal(t, []offenders.Entry{{Subject: "alice", Count: 2}, {Subject: "bob", Count: 1}}, stats.TopOffenders)

	rec = env.do(t, http.MethodGet, "/admin/top_offenders?window=15m&bucket=minute&top_n=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	win := decode[windowResponse](t, rec)
	assert.Equal(t, "15m", win.Window)
	assert.Equal(t, "minute", win.Bucket)
	assert.Equal(t, []offenders.Entry{{Subject: "alice", Count: 2}}, win.TopOffenders)

	rec = env.do(t, http.MethodGet, "/admin/top_offenders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1h", decode[windowResponse](t, rec).Window)
}

func TestAdmin_TopOffendersValidation(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{
		"/admin/top_offenders?window=abc",
		"/admin/top_offenders?window=1h&bucket=week",
		"/admin/top_offenders?window=30d&bucket=minute",
		"/admin/top_offenders?top_n=0",
		"/admin/stats?top_n=-3",
	} {
		rec := env.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestAdmin_UserProjection(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/allow?user_id=alice&resource=search&cost=3", nil)
	env.do(t, http.MethodPost, "/allow?user_id=alice", nil)

	rec := env.do(t, http.MethodGet, "/admin/user/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[userResponse](t, rec)
	assert.Equal(t, "alice", body.UserID)
	require.Len(t, body.Resources, 2)

	assert.Equal(t, "default", body.Resources[0].Resource)
	search := body.Resources[1]
	assert.Equal(t, "search", search.Resource)
	assert.Equal(t, int64(4), search.Capacity)
	assert.InDelta(t, 2.0, search.RatePerSec, 1e-9)
	assert.InDelta(t, 1.0, search.Tokens, 1e-9)
	assert.InDelta(t, 0.0, search.NextTokenSeconds, 1e-9)
	assert.InDelta(t, 1.5, search.FullRefillSeconds, 1e-9)

	rec = env.do(t, http.MethodGet, "/admin/user/nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[userResponse](t, rec).Resources)
}

func TestAdmin_Resources(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/admin/resources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]limitView](t, rec)
	assert.Equal(t, map[string]limitView{
		"default": {Capacity: 10, RatePerSec: 5},
		"search":  {Capacity: 4, RatePerSec: 2},
	}, got)
}

func TestAdmin_RequiresKeyWhenConfigured(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Auth = auth.NewStatic("", map[string]string{"s3cret": "ops"})
	})

	rec := env.do(t, http.MethodGet, "/admin/resources", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/admin/resources", http.Header{"X-Api-Key": []string{"s3cret"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/allow?user_id=alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "decisions are not behind the admin key")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/allow?user_id=alice", nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `ratekeeper_decisions_total{result="allow"} 1`)
	assert.Contains(t, body, "ratekeeper_active_keys 1")
	assert.Contains(t, body, `ratekeeper_http_requests_total{code="200",method="POST",route="/allow"} 1`)
}

func TestProbesAndFallbacks(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"alive":true}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ready":true}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "no_route"))

	rec = env.do(t, http.MethodGet, "/allow", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") }),
		mw("outer"), mw("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
