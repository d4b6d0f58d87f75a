package gastosauth

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/Mathchety/gastosauth/credstore"
	"github.com/Mathchety/gastosauth/session"
)

// Config is the complete client configuration. Start from DefaultConfig or LoadConfig.
type Config struct {
	API         APIConfig         `yaml:"api"`
	Session     SessionConfig     `yaml:"session"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Audit       AuditConfig       `yaml:"audit"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

/*
====================================
API CONFIG
====================================
*/

// APIConfig locates the backend.
type APIConfig struct {
	BaseURL        string        `yaml:"base_url" env:"GASTOSAUTH_BASE_URL"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"GASTOSAUTH_REQUEST_TIMEOUT"`
	UserAgent      string        `yaml:"user_agent" env:"GASTOSAUTH_USER_AGENT"`
	Paths          APIPaths      `yaml:"paths"`
}

// APIPaths are the endpoint paths, relative to BaseURL.
type APIPaths struct {
	Login              string `yaml:"login"`
	Register           string `yaml:"register"`
	Logout             string `yaml:"logout"`
	Me                 string `yaml:"me"`
	Refresh            string `yaml:"refresh"`
	ForgotPassword     string `yaml:"forgot_password"`
	ResetPassword      string `yaml:"reset_password"`
	ChangePassword     string `yaml:"change_password"`
	UpdateProfile      string `yaml:"update_profile"`
	RequestEmailChange string `yaml:"request_email_change"`
	ConfirmEmailChange string `yaml:"confirm_email_change"`
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig tunes the refresh protocol.
type SessionConfig struct {
	// AutoRefreshInterval is the silent-renewal period. Negative disables the timer.
	AutoRefreshInterval time.Duration `yaml:"auto_refresh_interval" env:"GASTOSAUTH_AUTO_REFRESH_INTERVAL"`
	// RefreshTimeout bounds one refresh call so a hung request releases the flight.
	RefreshTimeout time.Duration `yaml:"refresh_timeout" env:"GASTOSAUTH_REFRESH_TIMEOUT"`
	// RefreshSkew refreshes before sending when the access JWT expires within it. Zero disables.
	RefreshSkew time.Duration `yaml:"refresh_skew" env:"GASTOSAUTH_REFRESH_SKEW"`
}

/*
====================================
CREDENTIALS CONFIG
====================================
*/

// Credential store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// CredentialsConfig selects where tokens and remembered credentials live when the
// Builder is not given explicit stores.
type CredentialsConfig struct {
	Backend     string        `yaml:"backend" env:"GASTOSAUTH_CRED_BACKEND"`
	RedisAddr   string        `yaml:"redis_addr" env:"GASTOSAUTH_REDIS_ADDR"`
	RedisPrefix string        `yaml:"redis_prefix" env:"GASTOSAUTH_REDIS_PREFIX"`
	RedisTTL    time.Duration `yaml:"redis_ttl" env:"GASTOSAUTH_REDIS_TTL"`

	// Passphrase and Salt (base64) derive the secure-store key. Required for redis.
	Passphrase string `yaml:"passphrase" env:"GASTOSAUTH_CRED_PASSPHRASE"`
	Salt       string `yaml:"salt" env:"GASTOSAUTH_CRED_SALT"`

	KDFMemoryKB    uint32 `yaml:"kdf_memory_kb"`
	KDFTime        uint32 `yaml:"kdf_time"`
	KDFParallelism uint8  `yaml:"kdf_parallelism"`
}

/*
====================================
AUDIT / METRICS / LOG CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled" env:"GASTOSAUTH_AUDIT_ENABLED"`
	BufferSize int  `yaml:"buffer_size"`
	DropIfFull bool `yaml:"drop_if_full"`
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool `yaml:"enabled" env:"GASTOSAUTH_METRICS_ENABLED"`
	EnableLatencyHistograms bool `yaml:"enable_latency_histograms"`
}

// LogConfig is read by NewLogger.
type LogConfig struct {
	Level  string `yaml:"level" env:"GASTOSAUTH_LOG_LEVEL"`
	Format string `yaml:"format" env:"GASTOSAUTH_LOG_FORMAT"` // "json" or "console"
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	kdf := credstore.DefaultKDFConfig()
	return Config{
		API: APIConfig{
			RequestTimeout: 30 * time.Second,
			UserAgent:      "gastosauth",
			Paths: APIPaths{
				Login:              "/login",
				Register:           "/register",
				Logout:             "/logout",
				Me:                 "/me",
				Refresh:            "/auth/refresh",
				ForgotPassword:     "/auth/forgot-password",
				ResetPassword:      "/auth/reset-password",
				ChangePassword:     "/auth/change-password",
				UpdateProfile:      "/user/profile",
				RequestEmailChange: "/user/request-email-change",
				ConfirmEmailChange: "/user/confirm-email-change",
			},
		},
		Session: SessionConfig{
			AutoRefreshInterval: session.DefaultAutoRefreshInterval,
			RefreshTimeout:      session.DefaultRefreshTimeout,
		},
		Credentials: CredentialsConfig{
			Backend:        BackendMemory,
			RedisPrefix:    "gastosauth",
			KDFMemoryKB:    kdf.Memory,
			KDFTime:        kdf.Time,
			KDFParallelism: kdf.Parallelism,
		},
		Audit: AuditConfig{
			BufferSize: 256,
			DropIfFull: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

/*
====================================
LOADING
====================================
*/

// LoadConfig reads DefaultConfig, then the YAML file at path (or $GASTOSAUTH_CONFIG),
// then environment variables on top. An empty path with no $GASTOSAUTH_CONFIG reads the
// environment only. The result is validated.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("GASTOSAUTH_CONFIG")
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file %q stat failed: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (c *Config) Validate() error {
	// API
	if c.API.BaseURL == "" {
		return invalid("API BaseURL is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("API BaseURL must be an absolute http(s) URL")
	}
	if c.API.RequestTimeout <= 0 {
		return invalid("API RequestTimeout must be > 0")
	}
	for name, p := range c.API.Paths.byName() {
		if !strings.HasPrefix(p, "/") {
			return invalid("API path %s must start with /", name)
		}
	}

	// Session
	if c.Session.RefreshTimeout <= 0 {
		return invalid("Session RefreshTimeout must be > 0")
	}
	if c.Session.AutoRefreshInterval > 0 && c.Session.AutoRefreshInterval < time.Second {
		return invalid("Session AutoRefreshInterval must be >= 1s when enabled")
	}
	if c.Session.RefreshSkew < 0 {
		return invalid("Session RefreshSkew must be >= 0")
	}

	// Credentials
	switch c.Credentials.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Credentials.RedisAddr == "" {
			return invalid("Credentials RedisAddr is required for the redis backend")
		}
		if c.Credentials.Passphrase == "" {
			return invalid("Credentials Passphrase is required for the redis backend")
		}
	default:
		return invalid("unsupported Credentials Backend %q", c.Credentials.Backend)
	}
	if c.Credentials.RedisTTL < 0 {
		return invalid("Credentials RedisTTL must be >= 0")
	}
	if c.Credentials.Passphrase != "" {
		salt, err := base64.StdEncoding.DecodeString(c.Credentials.Salt)
		if err != nil || len(salt) < 16 {
			return invalid("Credentials Salt must be base64 of at least 16 bytes")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return invalid("Audit BufferSize must be > 0 when enabled")
	}

	// Log
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid("unsupported Log Level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return invalid("unsupported Log Format %q", c.Log.Format)
	}

	return nil
}

func (p APIPaths) byName() map[string]string {
	return map[string]string{
		"Login":              p.Login,
		"Register":           p.Register,
		"Logout":             p.Logout,
		"Me":                 p.Me,
		"Refresh":            p.Refresh,
		"ForgotPassword":     p.ForgotPassword,
		"ResetPassword":      p.ResetPassword,
		"ChangePassword":     p.ChangePassword,
		"UpdateProfile":      p.UpdateProfile,
		"RequestEmailChange": p.RequestEmailChange,
		"ConfirmEmailChange": p.ConfirmEmailChange,
	}
}

func (c CredentialsConfig) kdf() credstore.KDFConfig {
	return credstore.KDFConfig{
		Memory:      c.KDFMemoryKB,
		Time:        c.KDFTime,
		Parallelism: c.KDFParallelism,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
