package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
	MaxBodyBytes   int64  `yaml:"max_body_bytes"`
}

type Tracing struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

type Observability struct {
	LogLevel       string  `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string  `yaml:"prometheus_path"` // e.g. "/metrics"
	Tracing        Tracing `yaml:"tracing"`
}

type Store struct {
	Backend           string `yaml:"backend"` // "memory" or "redis"
	RedisURL          string `yaml:"redis_url"`
	TimeoutMS         int    `yaml:"timeout_ms"`
	BucketPrefix      string `yaml:"bucket_prefix"`
	IdempotencyPrefix string `yaml:"idempotency_prefix"`
	CleanupIntervalMS int    `yaml:"cleanup_interval_ms"`
}

type Limit struct {
	Capacity   int64   `yaml:"capacity"`
	RatePerSec float64 `yaml:"rate_per_sec"`
}

type Limits struct {
	Default               Limit            `yaml:"default"`
	Resources             map[string]Limit `yaml:"resources"`
	Scale                 int64            `yaml:"scale"`
	TTLSeconds            int              `yaml:"ttl_seconds"`
	IdempotencyTTLSeconds int              `yaml:"idempotency_ttl_seconds"`
}

type Analytics struct {
	OffendersKey       string `yaml:"offenders_key"`
	OffendersPrefix    string `yaml:"offenders_prefix"`
	MaxWindowIntervals int    `yaml:"max_window_intervals"`
	UnionTTLSeconds    int    `yaml:"union_ttl_seconds"`
	TimeoutMS          int    `yaml:"timeout_ms"`
}

type APIKey struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

type Auth struct {
	Header string   `yaml:"header"`
	Keys   []APIKey `yaml:"keys"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Store         Store         `yaml:"store"`
	Limits        Limits        `yaml:"limits"`
	Analytics     Analytics     `yaml:"analytics"`
	Auth          Auth          `yaml:"auth"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1 << 20
	}
	return s.MaxBodyBytes
} // default 1MB

func (s Store) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

func (s Store) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalMS) * time.Millisecond
}

func (l Limits) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

func (l Limits) IdempotencyTTL() time.Duration {
	return time.Duration(l.IdempotencyTTLSeconds) * time.Second
}

func (a Analytics) UnionTTL() time.Duration {
	return time.Duration(a.UnionTTLSeconds) * time.Second
}

func (a Analytics) Timeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// Load reads path (skipped when empty), applies environment overrides,
// fills defaults and validates.
func Load(path string) (*Root, error) {
	var cfg Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Root) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Observability.LogLevel == "" {
		cfg.Observability.LogLevel = "info"
	}
	if cfg.Observability.PrometheusPath == "" {
		cfg.Observability.PrometheusPath = "/metrics"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.RedisURL == "" {
		cfg.Store.RedisURL = "redis://localhost:6379/0"
	}
	if cfg.Store.TimeoutMS <= 0 {
		cfg.Store.TimeoutMS = 2000
	}
	if cfg.Store.BucketPrefix == "" {
		cfg.Store.BucketPrefix = "rl:"
	}
	if cfg.Store.IdempotencyPrefix == "" {
		cfg.Store.IdempotencyPrefix = "idem:"
	}
	if cfg.Store.CleanupIntervalMS <= 0 {
		cfg.Store.CleanupIntervalMS = 60_000
	}
	if cfg.Limits.Default.Capacity == 0 {
		cfg.Limits.Default.Capacity = 10
	}
	if cfg.Limits.Default.RatePerSec == 0 {
		cfg.Limits.Default.RatePerSec = 5
	}
	if cfg.Limits.Scale <= 0 {
		cfg.Limits.Scale = 10_000
	}
	if cfg.Limits.TTLSeconds <= 0 {
		cfg.Limits.TTLSeconds = 3600
	}
	if cfg.Limits.IdempotencyTTLSeconds <= 0 {
		cfg.Limits.IdempotencyTTLSeconds = 60
	}
	if cfg.Analytics.OffendersKey == "" {
		cfg.Analytics.OffendersKey = "rate:top_offenders"
	}
	if cfg.Analytics.OffendersPrefix == "" {
		cfg.Analytics.OffendersPrefix = "rate:top_offenders"
	}
	if cfg.Analytics.MaxWindowIntervals <= 0 {
		cfg.Analytics.MaxWindowIntervals = 1500
	}
	if cfg.Analytics.UnionTTLSeconds <= 0 {
		cfg.Analytics.UnionTTLSeconds = 30
	}
	if cfg.Analytics.TimeoutMS <= 0 {
		cfg.Analytics.TimeoutMS = 500
	}
	if cfg.Auth.Header == "" {
		cfg.Auth.Header = "X-API-Key"
	}
}

func applyEnv(cfg *Root) error {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("RL_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("RL_DEFAULT_CAPACITY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("RL_DEFAULT_CAPACITY: %w", err)
		}
		cfg.Limits.Default.Capacity = n
	}
	if v := os.Getenv("RL_DEFAULT_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RL_DEFAULT_RATE: %w", err)
		}
		cfg.Limits.Default.RatePerSec = f
	}
	if v := os.Getenv("RL_SCALE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("RL_SCALE: %w", err)
		}
		cfg.Limits.Scale = n
	}
	if v := os.Getenv("RL_TTL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RL_TTL_SECONDS: %w", err)
		}
		cfg.Limits.TTLSeconds = n
	}
	if v := os.Getenv("RL_IDEM_TTL_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RL_IDEM_TTL_SECONDS: %w", err)
		}
		cfg.Limits.IdempotencyTTLSeconds = n
	}
	return nil
}

// Validate checks the configuration after defaults are applied.
func (c *Root) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend))
	}
	if err := c.Limits.Default.validate("default"); err != nil {
		errs = append(errs, err)
	}
	for name, l := range c.Limits.Resources {
		if name == "" {
			errs = append(errs, errors.New("limits.resources: empty resource name"))
			continue
		}
		if err := l.validate(name); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Observability.Tracing.SampleRate < 0 || c.Observability.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("observability.tracing.sample_rate must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

func (l Limit) validate(name string) error {
	if l.Capacity < 0 {
		return fmt.Errorf("limits %q: capacity must be >= 0", name)
	}
	if l.RatePerSec <= 0 {
		return fmt.Errorf("limits %q: rate_per_sec must be > 0", name)
	}
	return nil
}
