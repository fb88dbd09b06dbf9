package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// DefaultCost is the cost of a request that does not state one.
const DefaultCost = 1

// Request asks whether Subject may spend Cost tokens on Resource.
// Zero Capacity and RatePerSec mean "use the configured limit".
type Request struct {
	Subject          string
	Resource         string
	Cost             int64
	Capacity         int64
	RatePerSec       float64
	IdempotencyToken string
}

// Decision is the engine's answer.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  float64 // tokens left in the bucket, fractional
	Cached     bool    // replayed from an idempotency record
}

// RetryAfterSeconds is RetryAfter as fractional seconds.
func (d Decision) RetryAfterSeconds() float64 {
	return d.RetryAfter.Seconds()
}

// DenialRecorder receives denial events. Failures never affect decisions.
type DenialRecorder interface {
	RecordDenial(ctx context.Context, subject string, at time.Time) error
}

// Recorder collects decision metrics.
type Recorder interface {
	ObserveDecision(resource string, d Decision, took time.Duration)
	BackendFailed()
	AnalyticsFailed(op string)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) ObserveDecision(string, Decision, time.Duration) {}
func (NopRecorder) BackendFailed()                                  {}
func (NopRecorder) AnalyticsFailed(string)                          {}

// Config holds the engine's limits and lifetimes.
type Config struct {
	Default          Limit
	Resources        map[string]Limit
	Scale            int64
	BucketTTL        time.Duration
	IdempotencyTTL   time.Duration
	AnalyticsTimeout time.Duration
}

// Engine turns requests into backend transactions. It holds no bucket
// state of its own and is safe for concurrent use.
type Engine struct {
	backend  Backend
	cfg      Config
	denials  DenialRecorder
	recorder Recorder
	log      zerolog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithDenialRecorder sends denials to r (usually the offender tracker).
func WithDenialRecorder(r DenialRecorder) Option {
	return func(e *Engine) { e.denials = r }
}

// WithRecorder installs a metrics collector.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides the clock used to timestamp denials.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine builds an engine over backend.
func NewEngine(backend Backend, cfg Config, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, Validationf("backend is required")
	}
	if cfg.Scale == 0 {
		cfg.Scale = DefaultScale
	}
	if cfg.Scale < 0 {
		return nil, Validationf("scale must be > 0")
	}
	if cfg.BucketTTL <= 0 {
		cfg.BucketTTL = time.Hour
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = time.Minute
	}
	if cfg.AnalyticsTimeout <= 0 {
		cfg.AnalyticsTimeout = 500 * time.Millisecond
	}
	if err := checkLimit(DefaultResource, cfg.Default, cfg.Scale); err != nil {
		return nil, err
	}
	for name, l := range cfg.Resources {
		if err := checkLimit(name, l, cfg.Scale); err != nil {
			return nil, err
		}
	}
	e := &Engine{
		backend:  backend,
		cfg:      cfg,
		recorder: NopRecorder{},
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func checkLimit(name string, l Limit, scale int64) error {
	if l.Capacity < 0 {
		return Validationf("resource %q: capacity must be >= 0", name)
	}
	if l.Capacity > math.MaxInt64/scale {
		return Validationf("resource %q: capacity too large for scale %d", name, scale)
	}
	if _, err := SubtokenRate(l.RatePerSec, scale); err != nil {
		return Validationf("resource %q: %v", name, err)
	}
	return nil
}

// LimitFor returns the limit configured for resource, or the default.
func (e *Engine) LimitFor(resource string) Limit {
	if l, ok := e.cfg.Resources[resource]; ok {
		return l
	}
	return e.cfg.Default
}

// Resources lists the effective limit per configured resource, including
// the default.
func (e *Engine) Resources() map[string]Limit {
	out := make(map[string]Limit, len(e.cfg.Resources)+1)
	out[DefaultResource] = e.cfg.Default
	for name, l := range e.cfg.Resources {
		out[name] = l
	}
	return out
}

// Allow decides one request. Validation errors and backend failures are
// returned as errors; a denial is a Decision, not an error.
func (e *Engine) Allow(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()

	tx, err := e.transaction(req)
	if err != nil {
		return Decision{}, err
	}

	res, err := e.backend.Decide(ctx, tx)
	if err != nil {
		e.recorder.BackendFailed()
		e.log.Error().Err(err).
			Str("subject", tx.Key.Subject).
			Str("resource", tx.Key.Resource).
			Msg("bucket transaction failed")
		return Decision{}, Unavailable(err)
	}

	dec := Decision{
		Allowed:   res.Allowed,
		Remaining: res.Remaining(),
		Cached:    res.Cached,
	}
	if !res.Allowed {
		dec.RetryAfter = res.RetryAfter
	}

	e.recorder.ObserveDecision(tx.Key.Resource, dec, time.Since(start))
	e.log.Debug().
		Str("subject", tx.Key.Subject).
		Str("resource", tx.Key.Resource).
		Str("decision", decisionLabel(dec.Allowed)).
		Float64("tokens_left", dec.Remaining).
		Bool("idempotent_cache", dec.Cached).
		Dur("latency", time.Since(start)).
		Msg("decision")

	// a replayed verdict is the same logical request; it was counted once
	if !dec.Allowed && !dec.Cached {
		e.noteDenial(ctx, tx.Key.Subject)
	}
	return dec, nil
}

func (e *Engine) transaction(req Request) (Transaction, error) {
	if req.Subject == "" {
		return Transaction{}, Validationf("subject is required")
	}
	if req.Cost <= 0 {
		return Transaction{}, Validationf("cost must be > 0")
	}
	resource := req.Resource
	if resource == "" {
		resource = DefaultResource
	}

	limit := e.LimitFor(resource)
	if req.Capacity != 0 {
		limit.Capacity = req.Capacity
	}
	if req.RatePerSec != 0 {
		limit.RatePerSec = req.RatePerSec
	}
	if limit.Capacity < 0 {
		return Transaction{}, Validationf("capacity must be >= 0")
	}
	scale := e.cfg.Scale
	if limit.Capacity > math.MaxInt64/scale || req.Cost > math.MaxInt64/scale {
		return Transaction{}, Validationf("capacity or cost too large for scale %d", scale)
	}
	rate, err := SubtokenRate(limit.RatePerSec, scale)
	if err != nil {
		return Transaction{}, err
	}

	tx := Transaction{
		Key:            Key{Subject: req.Subject, Resource: resource},
		CapacityTokens: limit.Capacity,
		RateSubtokens:  rate,
		Scale:          scale,
		Cost:           req.Cost,
		TTL:            e.cfg.BucketTTL,
	}
	if req.IdempotencyToken != "" {
		tx.IdempotencyToken = req.IdempotencyToken
		tx.IdempotencyTTL = e.cfg.IdempotencyTTL
	}
	return tx, nil
}

func (e *Engine) noteDenial(ctx context.Context, subject string) {
	if e.denials == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.AnalyticsTimeout)
	defer cancel()
	if err := e.denials.RecordDenial(actx, subject, e.now()); err != nil {
		e.recorder.AnalyticsFailed("record_denial")
		e.log.Warn().Err(err).Str("subject", subject).Msg("offender analytics")
	}
}

func decisionLabel(allowed bool) string {
	if allowed {
		return "allow"
	}
	return "deny"
}
