// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Store         StoreConfig         `yaml:"store"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Fanout        FanoutConfig        `yaml:"fanout"`
	Signature     SignatureConfig     `yaml:"signature"`
	Lifecycle     LifecycleConfig     `yaml:"lifecycle"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	PublicURL       string        `yaml:"public_url"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClockSkew    time.Duration     `yaml:"clock_skew"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// CapabilityConfig describes authorization settings.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// StoreConfig describes the record store.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	// Driver is "memory" or "redis".
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// FanoutConfig describes notification fan-out settings.
type FanoutConfig struct {
	// Sink is "memory", "postgres" or "nats".
	Sink           string               `yaml:"sink"`
	NATSURLEnv     string               `yaml:"nats_url_env"`
	SubjectPrefix  string               `yaml:"subject_prefix"`
	Concurrency    int                  `yaml:"concurrency"`
	StaffRoles     []string             `yaml:"staff_roles"`
	Staff          []StaffMember        `yaml:"staff"`
	Email          EmailConfig          `yaml:"email"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Redelivery     RedeliveryConfig     `yaml:"redelivery"`
}

// StaffMember is an internal user who receives decision notifications.
type StaffMember struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Email string   `yaml:"email"`
	Roles []string `yaml:"roles"`
}

// EmailConfig describes transactional email settings.
type EmailConfig struct {
	Enabled bool `yaml:"enabled"`
	// Driver is "log" or "smtp".
	Driver             string `yaml:"driver"`
	SMTPAddr           string `yaml:"smtp_addr"`
	SMTPUsername       string `yaml:"smtp_username"`
	SMTPPasswordEnv    string `yaml:"smtp_password_env"`
	From               string `yaml:"from"`
	SignerConfirmation bool   `yaml:"signer_confirmation"`
}

// CircuitBreakerConfig describes circuit breaker settings for a dependency.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RedeliveryConfig describes the background retry of failed notifications.
type RedeliveryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	MinAge      time.Duration `yaml:"min_age"`
	BatchSize   int           `yaml:"batch_size"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// SignatureConfig describes the signature drawing surface.
type SignatureConfig struct {
	Width           int `yaml:"width"`
	Height          int `yaml:"height"`
	PenRadius       int `yaml:"pen_radius"`
	MaxDataURLBytes int `yaml:"max_data_url_bytes"`
}

// LifecycleConfig describes decision rules that are configurable.
type LifecycleConfig struct {
	RequireChangeOrderRejectReason bool          `yaml:"require_change_order_reject_reason"`
	WriteTimeout                   time.Duration `yaml:"write_timeout"`
	MaxConflictRetries             int           `yaml:"max_conflict_retries"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Tracing   TracingConfig `yaml:"tracing"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			PublicURL:       "http://localhost:8080",
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClockSkew:    30 * time.Second,
			ClaimPaths: map[string]string{
				"actor_id":  "sub",
				"tenant_id": "tenant_id",
				"email":     "email",
				"name":      "name",
				"roles":     "roles",
			},
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "SIGNOFF_DATABASE_URL",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "SIGNOFF_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Fanout: FanoutConfig{
			Sink:          "memory",
			NATSURLEnv:    "SIGNOFF_NATS_URL",
			SubjectPrefix: "notifications",
			Concurrency:   8,
			StaffRoles:    []string{"staff", "admin"},
			Email: EmailConfig{
				Enabled:            true,
				Driver:             "log",
				From:               "no-reply@signoff.local",
				SignerConfirmation: true,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Redelivery: RedeliveryConfig{
				Enabled:     true,
				Interval:    30 * time.Second,
				MinAge:      30 * time.Second,
				BatchSize:   50,
				MaxAttempts: 5,
			},
		},
		Signature: SignatureConfig{
			Width:           480,
			Height:          160,
			PenRadius:       1,
			MaxDataURLBytes: 512 * 1024,
		},
		Lifecycle: LifecycleConfig{
			RequireChangeOrderRejectReason: true,
			WriteTimeout:                   10 * time.Second,
			MaxConflictRetries:             3,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}

	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}
	switch c.Idempotency.Store.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("idempotency.store.driver %q is not supported (memory, redis)", c.Idempotency.Store.Driver))
	}
	switch c.Fanout.Sink {
	case "memory", "nats":
	case "postgres":
		if c.Store.Driver != "postgres" {
			errs = append(errs, "fanout.sink postgres requires store.driver postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("fanout.sink %q is not supported (memory, postgres, nats)", c.Fanout.Sink))
	}
	if c.Fanout.Email.Enabled {
		switch c.Fanout.Email.Driver {
		case "log":
		case "smtp":
			if c.Fanout.Email.SMTPAddr == "" {
				errs = append(errs, "fanout.email.smtp_addr is required for the smtp driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("fanout.email.driver %q is not supported (log, smtp)", c.Fanout.Email.Driver))
		}
	}
	if c.Fanout.Concurrency < 1 {
		errs = append(errs, "fanout.concurrency must be at least 1")
	}
	if c.Fanout.Redelivery.Enabled && c.Fanout.Redelivery.MaxAttempts < 1 {
		errs = append(errs, "fanout.redelivery.max_attempts must be at least 1")
	}
	for i, s := range c.Fanout.Staff {
		if s.Email == "" {
			errs = append(errs, fmt.Sprintf("fanout.staff[%d].email is required", i))
		}
	}
	switch c.Observability.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format %q is not supported (json, console)", c.Observability.LogFormat))
	}
	if c.Signature.Width < 1 || c.Signature.Height < 1 {
		errs = append(errs, "signature.width and signature.height must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SIGNOFF_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIGNOFF_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SIGNOFF_SERVER_PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("SIGNOFF_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("SIGNOFF_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("SIGNOFF_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("SIGNOFF_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("SIGNOFF_FANOUT_SINK"); v != "" {
		cfg.Fanout.Sink = v
	}
	if v := os.Getenv("SIGNOFF_IDEMPOTENCY_DRIVER"); v != "" {
		cfg.Idempotency.Store.Driver = v
	}
	if v := os.Getenv("SIGNOFF_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("SIGNOFF_OBSERVABILITY_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
