package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/evermail/dispatch/internal/logging"
)

// Config is the full engine configuration. Every component receives the
// section it needs at construction time; there is no ambient mutable
// settings object.
type Config struct {
	// API server configuration
	API struct {
		Listen         string `toml:"listen"`
		MetricsEnabled bool   `toml:"metrics_enabled"`
	} `toml:"api"`

	Logging logging.Config `toml:"logging"`

	// Store holds the durable job store and ledger backing.
	Store struct {
		Driver string `toml:"driver"` // "sqlite3", "postgres", "mysql"
		DSN    string `toml:"dsn"`
	} `toml:"store"`

	// Content is the root directory for message bodies and
	// attachment blobs referenced by jobs.
	Content struct {
		Dir string `toml:"dir"`
	} `toml:"content"`

	// Cache backs the shared rate-limit counters.
	Cache struct {
		Type     string `toml:"type"` // "memory", "redis", "memcached"
		Host     string `toml:"host"`
		Port     int    `toml:"port"`
		Password string `toml:"password"`
		Database int    `toml:"database"`
	} `toml:"cache"`

	RateLimit RateLimitConfig `toml:"rate_limit"`
	Retry     RetryConfig     `toml:"retry"`
	Workers   WorkerConfig    `toml:"workers"`

	Credentials CredentialConfig `toml:"credentials"`

	// Providers holds per-provider OAuth client settings.
	Providers struct {
		Gmail   OAuthClientConfig `toml:"gmail"`
		Outlook OAuthClientConfig `toml:"outlook"`
	} `toml:"providers"`
}

// RateLimitConfig configures the three-scope admission check.
type RateLimitConfig struct {
	WindowSeconds  int    `toml:"window_seconds"`
	WindowMode     string `toml:"window_mode"` // "fixed" or "sliding"
	GlobalLimit    int    `toml:"global_limit"`
	DomainLimit    int    `toml:"domain_limit"`
	AccountLimit   int    `toml:"account_limit"`
	BurstSize      int    `toml:"burst_size"`
	BurstPerSecond int    `toml:"burst_per_second"`
	// ScopeOrder controls which scope is checked first. The default
	// matches the reference behavior: global, then domain, then account.
	ScopeOrder []string `toml:"scope_order"`
}

// RetryConfig configures backoff for transient failures.
type RetryConfig struct {
	BaseDelay   time.Duration `toml:"base_delay"`
	MaxDelay    time.Duration `toml:"max_delay"`
	MaxAttempts int           `toml:"max_attempts"`
}

// WorkerConfig configures the dispatch worker pool.
type WorkerConfig struct {
	Count        int           `toml:"count"`
	PollInterval time.Duration `toml:"poll_interval"`
	LeaseTimeout time.Duration `toml:"lease_timeout"`
	SendTimeout  time.Duration `toml:"send_timeout"`
}

// CredentialConfig configures the credential store.
type CredentialConfig struct {
	RefreshSkew time.Duration `toml:"refresh_skew"`
	// SealKey is a 32-byte hex key used to encrypt secrets at rest.
	SealKey string `toml:"seal_key"`
}

// OAuthClientConfig holds the registered OAuth application settings for
// one provider.
type OAuthClientConfig struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	RedirectURI  string   `toml:"redirect_uri"`
	Scopes       []string `toml:"scopes"`
	TokenURL     string   `toml:"token_url"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.API.Listen = ":8025"
	cfg.API.MetricsEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Store.Driver = "sqlite3"
	cfg.Store.DSN = "dispatch.db"

	cfg.Content.Dir = "content"

	cfg.Cache.Type = "memory"
	cfg.Cache.Port = 6379

	cfg.RateLimit = RateLimitConfig{
		WindowSeconds:  3600,
		WindowMode:     "fixed",
		GlobalLimit:    10000,
		DomainLimit:    1000,
		AccountLimit:   100,
		BurstSize:      20,
		BurstPerSecond: 2,
		ScopeOrder:     []string{"global", "domain", "account"},
	}

	cfg.Retry = RetryConfig{
		BaseDelay:   30 * time.Second,
		MaxDelay:    6 * time.Hour,
		MaxAttempts: 5,
	}

	cfg.Workers = WorkerConfig{
		Count:        5,
		PollInterval: 5 * time.Second,
		LeaseTimeout: 2 * time.Minute,
		SendTimeout:  60 * time.Second,
	}

	cfg.Credentials.RefreshSkew = 5 * time.Minute

	cfg.Providers.Gmail.TokenURL = "https://oauth2.googleapis.com/token"
	cfg.Providers.Gmail.Scopes = []string{"https://mail.google.com/"}
	cfg.Providers.Outlook.TokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	cfg.Providers.Outlook.Scopes = []string{"Mail.Send", "Mail.Read", "offline_access"}

	return cfg
}

// Load reads configuration from a TOML file, applying defaults for
// anything unset and environment overrides on top. A missing file is
// not an error; defaults plus environment are used.
func Load(path string) (*Config, error) {
	// Best effort; a missing .env is fine.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides lets deployment environments override the settings
// that commonly differ between installs without editing the TOML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DISPATCH_API_LISTEN"); v != "" {
		cfg.API.Listen = v
	}
	if v := os.Getenv("DISPATCH_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("DISPATCH_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("DISPATCH_CONTENT_DIR"); v != "" {
		cfg.Content.Dir = v
	}
	if v := os.Getenv("DISPATCH_CACHE_TYPE"); v != "" {
		cfg.Cache.Type = v
	}
	if v := os.Getenv("DISPATCH_CACHE_HOST"); v != "" {
		cfg.Cache.Host = v
	}
	if v := os.Getenv("DISPATCH_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("DISPATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DISPATCH_SEAL_KEY"); v != "" {
		cfg.Credentials.SealKey = v
	}
	if v := os.Getenv("DISPATCH_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers.Count = n
		}
	}
	if v := os.Getenv("DISPATCH_RATE_LIMIT_ACCOUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimit.AccountLimit = n
		}
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Providers.Gmail.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Providers.Gmail.ClientSecret = v
	}
	if v := os.Getenv("OUTLOOK_CLIENT_ID"); v != "" {
		cfg.Providers.Outlook.ClientID = v
	}
	if v := os.Getenv("OUTLOOK_CLIENT_SECRET"); v != "" {
		cfg.Providers.Outlook.ClientSecret = v
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
	}

	switch c.Cache.Type {
	case "memory", "redis", "memcached":
	default:
		return fmt.Errorf("unsupported cache type: %s", c.Cache.Type)
	}

	switch c.RateLimit.WindowMode {
	case "fixed", "sliding":
	default:
		return fmt.Errorf("unsupported rate limit window mode: %s", c.RateLimit.WindowMode)
	}

	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	for _, scope := range c.RateLimit.ScopeOrder {
		switch scope {
		case "global", "domain", "account":
		default:
			return fmt.Errorf("unknown rate limit scope: %s", scope)
		}
	}
	if c.RateLimit.BurstSize > 0 && c.RateLimit.BurstPerSecond <= 0 {
		return fmt.Errorf("burst allowance needs a positive refill rate")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("invalid retry delay bounds")
	}

	if c.Workers.Count <= 0 {
		return fmt.Errorf("worker count must be positive")
	}
	if c.Workers.LeaseTimeout <= 0 {
		return fmt.Errorf("lease timeout must be positive")
	}

	if c.Credentials.SealKey != "" && len(c.Credentials.SealKey) != 64 {
		return fmt.Errorf("seal key must be 32 bytes hex encoded")
	}

	return nil
}
