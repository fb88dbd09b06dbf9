package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/ratekeeper/internal/auth"
	"github.com/AlexKimmel/ratekeeper/internal/config"
	"github.com/AlexKimmel/ratekeeper/internal/gateway"
	"github.com/AlexKimmel/ratekeeper/internal/obs"
	"github.com/AlexKimmel/ratekeeper/internal/offenders"
	"github.com/AlexKimmel/ratekeeper/internal/ratelimit"
	"github.com/AlexKimmel/ratekeeper/internal/ratelimit/memory"
	"github.com/AlexKimmel/ratekeeper/internal/ratelimit/redisstore"
)

// stores bundles the selected bucket backend with its offender counters.
type stores struct {
	backend  ratelimit.Store
	counters offenders.Counters
	close    func() error
}

func main() {
	path := flag.String("config", os.Getenv("RATEKEEPER_CONFIG"), "path to the YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Str("backend", cfg.Store.Backend).Msg("Setup logger")

	if cfg.Observability.Tracing.Enabled {
		tp, err := obs.SetupTracing(os.Stderr, cfg.Observability.Tracing.SampleRate)
		if err != nil {
			logger.Fatal().Err(err).Msg("setup tracing")
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
	}

	st, err := openStores(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.Warn().Err(err).Msg("close store")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	tracker := offenders.NewTracker(st.counters,
		offenders.WithKeys(cfg.Analytics.OffendersKey, cfg.Analytics.OffendersPrefix),
		offenders.WithMaxIntervals(cfg.Analytics.MaxWindowIntervals),
		offenders.WithUnionTTL(cfg.Analytics.UnionTTL()),
	)

	resources := make(map[string]ratelimit.Limit, len(cfg.Limits.Resources))
	for name, l := range cfg.Limits.Resources {
		resources[name] = ratelimit.Limit{Capacity: l.Capacity, RatePerSec: l.RatePerSec}
	}

	var backend ratelimit.Backend = st.backend
	if cfg.Observability.Tracing.Enabled {
		backend = obs.NewTracedBackend(backend)
	}

	engine, err := ratelimit.NewEngine(backend, ratelimit.Config{
		Default:          ratelimit.Limit{Capacity: cfg.Limits.Default.Capacity, RatePerSec: cfg.Limits.Default.RatePerSec},
		Resources:        resources,
		Scale:            cfg.Limits.Scale,
		BucketTTL:        cfg.Limits.TTL(),
		IdempotencyTTL:   cfg.Limits.IdempotencyTTL(),
		AnalyticsTimeout: cfg.Analytics.Timeout(),
	},
		ratelimit.WithDenialRecorder(tracker),
		ratelimit.WithRecorder(metrics),
		ratelimit.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("build engine")
	}

	pairs := map[string]string{} // secret -> keyID
	for _, k := range cfg.Auth.Keys {
		pairs[k.Secret] = k.ID
	}

	handler := gateway.NewHandler(gateway.Deps{
		Engine:      engine,
		Offenders:   tracker,
		Buckets:     ratelimit.NewProjector(st.backend),
		Metrics:     metrics,
		Gatherer:    reg,
		Auth:        auth.NewStatic(cfg.Auth.Header, pairs),
		Logger:      logger,
		MaxBody:     cfg.Server.MaxBody(),
		MetricsPath: cfg.Observability.PrometheusPath,
		Tracing:     cfg.Observability.Tracing.Enabled,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	// start
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errc:
		logger.Error().Err(err).Msg("server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}

func openStores(cfg *config.Root, logger zerolog.Logger) (*stores, error) {
	switch cfg.Store.Backend {
	case "redis":
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(opt)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.Timeout())
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			// not fatal; /readyz reports it until Redis comes up
			logger.Warn().Err(err).Str("url", opt.Addr).Msg("redis not reachable at startup")
		}
		lim := redisstore.New(client,
			redisstore.WithPrefix(cfg.Store.BucketPrefix),
			redisstore.WithIdempotencyPrefix(cfg.Store.IdempotencyPrefix),
			redisstore.WithTimeout(cfg.Store.Timeout()),
			redisstore.WithLogger(logger),
		)
		return &stores{
			backend:  lim,
			counters: redisstore.NewCounters(client, cfg.Analytics.OffendersPrefix),
			close:    client.Close,
		}, nil
	default:
		lim := memory.New(memory.WithCleanupInterval(cfg.Store.CleanupInterval()))
		return &stores{
			backend:  lim,
			counters: memory.NewCounters(nil),
			close:    lim.Close,
		}, nil
	}
}
