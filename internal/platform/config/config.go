package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/attendsync/attendsync/internal/platform/retry"
	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" default:"development"`
	Port        string `env:"PORT" default:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" default:"info"`
	LogFormat   string `env:"LOG_FORMAT" default:"text"`

	ProviderBaseURL       string        `env:"PROVIDER_BASE_URL"`
	ProviderAPIKey        string        `env:"PROVIDER_API_KEY"`
	ProviderTimeout       time.Duration `env:"PROVIDER_TIMEOUT" default:"10s"`
	ProviderRatePerSecond float64       `env:"PROVIDER_RATE_PER_SECOND" default:"20"`

	SyncWorkers          int           `env:"SYNC_WORKERS" default:"8"`
	SyncMaxAttempts      int           `env:"SYNC_MAX_ATTEMPTS" default:"5"`
	SyncInitialBackoff   time.Duration `env:"SYNC_INITIAL_BACKOFF" default:"500ms"`
	SyncMaxBackoff       time.Duration `env:"SYNC_MAX_BACKOFF" default:"30s"`
	SyncRateLimitBackoff time.Duration `env:"SYNC_RATE_LIMIT_BACKOFF" default:"5s"`
	LeaseTTL             time.Duration `env:"LEASE_TTL" default:"2m"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" default:"1m"`

	MembershipCacheTTL time.Duration `env:"MEMBERSHIP_CACHE_TTL" default:"30s"`
	NotifyBuffer       int           `env:"NOTIFY_BUFFER" default:"256"`
	JoinRatePerSecond  float64       `env:"JOIN_RATE_PER_SECOND" default:"1"`
	JoinBurst          int           `env:"JOIN_BURST" default:"5"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	required := []struct{ name, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
		{"PROVIDER_BASE_URL", cfg.ProviderBaseURL},
		{"PROVIDER_API_KEY", cfg.ProviderAPIKey},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	if u, err := url.Parse(cfg.ProviderBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("PROVIDER_BASE_URL must be an absolute URL, got %q", cfg.ProviderBaseURL)
	}

	if cfg.SyncWorkers < 1 {
		return errors.New("SYNC_WORKERS must be at least 1")
	}
	if cfg.SyncMaxAttempts < 1 {
		return errors.New("SYNC_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.SyncMaxBackoff < cfg.SyncInitialBackoff {
		return errors.New("SYNC_MAX_BACKOFF must not be smaller than SYNC_INITIAL_BACKOFF")
	}
	if cfg.ProviderTimeout <= 0 {
		return errors.New("PROVIDER_TIMEOUT must be positive")
	}
	if cfg.ProviderRatePerSecond <= 0 {
		return errors.New("PROVIDER_RATE_PER_SECOND must be positive")
	}
	if budget := cfg.SyncBudget(); cfg.LeaseTTL <= budget {
		return fmt.Errorf("LEASE_TTL must exceed the worst-case sync task duration of %s "+
			"(SYNC_MAX_ATTEMPTS x PROVIDER_TIMEOUT plus backoff)", budget)
	}

	if cfg.AppEnv == "production" {
		if err := checkProductionSSL(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	return nil
}

// SyncRetryPolicy is the orchestrator's retry policy for provider calls.
func (cfg *Config) SyncRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:      cfg.SyncMaxAttempts,
		InitialBackoff:   cfg.SyncInitialBackoff,
		MaxBackoff:       cfg.SyncMaxBackoff,
		RateLimitBackoff: cfg.SyncRateLimitBackoff,
	}
}

// SyncBudget is how long one sync task can hold its lease: every attempt
// timing out plus every backoff between them.
func (cfg *Config) SyncBudget() time.Duration {
	return time.Duration(cfg.SyncMaxAttempts)*cfg.ProviderTimeout + cfg.SyncRetryPolicy().MaxWait()
}

func checkProductionSSL(databaseURL string) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}
	mode := strings.ToLower(u.Query().Get("sslmode"))
	if mode == "disable" || mode == "allow" {
		return fmt.Errorf("DATABASE_URL uses sslmode=%s which is not allowed in production", mode)
	}
	return nil
}
