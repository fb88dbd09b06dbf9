// Package gateway is the HTTP surface of the rate limiter: the decision
// endpoint, admin queries, metrics exposition and health probes.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"

	"github.com/AlexKimmel/ratekeeper/internal/auth"
	"github.com/AlexKimmel/ratekeeper/internal/obs"
	"github.com/AlexKimmel/ratekeeper/internal/offenders"
	"github.com/AlexKimmel/ratekeeper/internal/ratelimit"
)

// Decider answers rate decisions.
type Decider interface {
	Allow(ctx context.Context, req ratelimit.Request) (ratelimit.Decision, error)
	LimitFor(resource string) ratelimit.Limit
	Resources() map[string]ratelimit.Limit
}

// OffenderQueries ranks denied subjects.
type OffenderQueries interface {
	TopOffenders(ctx context.Context, n int) ([]offenders.Entry, error)
	TopOffendersInWindow(ctx context.Context, window, granularity string, n int) ([]offenders.Entry, error)
}

// BucketViews is the read side used by admin and health endpoints.
type BucketViews interface {
	SubjectProjection(ctx context.Context, subject string) ([]ratelimit.ResourceView, error)
	ActiveKeys(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Engine      Decider
	Offenders   OffenderQueries
	Buckets     BucketViews
	Metrics     *obs.Metrics
	Gatherer    prometheus.Gatherer
	Auth        *auth.Store // nil or empty leaves /admin open
	Logger      zerolog.Logger
	MaxBody     int64
	MetricsPath string
	Tracing     bool // server spans via otelmux
}

type server struct {
	Deps
}

const probeTimeout = 2 * time.Second

// NewHandler builds the full handler chain.
func NewHandler(d Deps) http.Handler {
	if d.MetricsPath == "" {
		d.MetricsPath = "/metrics"
	}
	s := &server{Deps: d}

	r := mux.NewRouter()
	if d.Tracing {
		metricsPath := d.MetricsPath
		r.Use(otelmux.Middleware("ratekeeper",
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != metricsPath &&
					r.URL.Path != "/livez" &&
					r.URL.Path != "/readyz"
			}),
		))
	}
	r.HandleFunc("/allow", s.allow).Methods(http.MethodPost)
	r.HandleFunc("/livez", s.livez).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.readyz).Methods(http.MethodGet)
	if s.Gatherer != nil {
		r.Handle(d.MetricsPath, s.metricsHandler()).Methods(http.MethodGet)
	}

	admin := r.PathPrefix("/admin").Subrouter()
	if s.Auth != nil && s.Auth.Enabled() {
		admin.Use(mux.MiddlewareFunc(s.Auth.Middleware(nil)))
	}
	admin.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	admin.HandleFunc("/top_offenders", s.topOffenders).Methods(http.MethodGet)
	admin.HandleFunc("/user/{user_id}", s.user).Methods(http.MethodGet)
	admin.HandleFunc("/resources", s.resources).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusNotFound, "no_route", "no matching route")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, req, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	if s.Metrics != nil {
		skip := map[string]struct{}{d.MetricsPath: {}, "/livez": {}, "/readyz": {}}
		r.Use(mux.MiddlewareFunc(s.Metrics.Middleware(skip)))
	}

	return Chain(r,
		Middleware(obs.Logger(d.Logger)),
		BodyLimit(d.MaxBody),
	)
}

func (s *server) metricsHandler() http.Handler {
	h := promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics != nil && s.Buckets != nil {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			n, err := s.Buckets.ActiveKeys(ctx)
			cancel()
			if err == nil {
				s.Metrics.ActiveKeys.Set(float64(n))
			} else {
				s.Metrics.AnalyticsFailed("count_buckets")
			}
		}
		h.ServeHTTP(w, r)
	})
}

func (s *server) livez(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

func (s *server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()
	if err := s.Buckets.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
