package obs

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/ratekeeper/internal/ratelimit"
)

// Metrics is the service's metrics collector. It is created once per
// process and handed to the engine and the HTTP layer.
type Metrics struct {
	Decisions         *prometheus.CounterVec
	DecisionLatency   prometheus.Histogram
	IdempotentReplays prometheus.Counter
	BackendErrors     prometheus.Counter
	AnalyticsErrors   *prometheus.CounterVec
	ActiveKeys        prometheus.Gauge
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec

	allowed atomic.Int64
	denied  atomic.Int64
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratekeeper_decisions_total",
				Help: "Rate decisions by result",
			},
			[]string{"result"},
		),
		DecisionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ratekeeper_decision_latency_seconds",
				Help:    "Time spent deciding one request, backend round trip included",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
		),
		IdempotentReplays: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ratekeeper_idempotent_replays_total",
				Help: "Decisions answered from an idempotency record",
			},
		),
		BackendErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ratekeeper_backend_errors_total",
				Help: "Bucket transactions that could not be evaluated",
			},
		),
		AnalyticsErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratekeeper_analytics_errors_total",
				Help: "Best-effort analytics operations that failed",
			},
			[]string{"op"},
		),
		ActiveKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratekeeper_active_keys",
				Help: "Live buckets in the store",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratekeeper_http_requests_total",
				Help: "Total HTTP requests processed",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratekeeper_http_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
	}

	reg.MustRegister(
		m.Decisions, m.DecisionLatency, m.IdempotentReplays, m.BackendErrors,
		m.AnalyticsErrors, m.ActiveKeys, m.RequestsTotal, m.RequestDuration,
	)
	return m
}

// ObserveDecision implements ratelimit.Recorder.
func (m *Metrics) ObserveDecision(_ string, d ratelimit.Decision, took time.Duration) {
	if d.Allowed {
		m.allowed.Add(1)
		m.Decisions.WithLabelValues("allow").Inc()
	} else {
		m.denied.Add(1)
		m.Decisions.WithLabelValues("deny").Inc()
	}
	if d.Cached {
		m.IdempotentReplays.Inc()
	}
	m.DecisionLatency.Observe(took.Seconds())
}

// BackendFailed implements ratelimit.Recorder.
func (m *Metrics) BackendFailed() {
	m.BackendErrors.Inc()
}

// AnalyticsFailed implements ratelimit.Recorder.
func (m *Metrics) AnalyticsFailed(op string) {
	m.AnalyticsErrors.WithLabelValues(op).Inc()
}

// Totals returns allowed and denied decisions since start.
func (m *Metrics) Totals() (allowed, denied int64) {
	return m.allowed.Load(), m.denied.Load()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics, labelled with the matched
// route template.
func (m *Metrics) Middleware(skip map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := "unknown"
			if rt := mux.CurrentRoute(r); rt != nil {
				if tpl, err := rt.GetPathTemplate(); err == nil {
					route = tpl
				}
			}

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
