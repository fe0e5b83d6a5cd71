package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the provbot server.
type Config struct {
	Server     ServerConfig
	Store      StoreConfig
	Auth       AuthConfig
	Jobs       JobsConfig
	Notify     NotifyConfig
	Webhook    WebhookConfig
	Reaper     ReaperConfig
	RateLimit  RateLimitConfig
	Automation AutomationConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type StoreConfig struct {
	Backend  string
	RedisURL string
}

type AuthConfig struct {
	APIToken      string
	WebhookSecret string
}

type JobsConfig struct {
	MaxConcurrent  int
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

type NotifyConfig struct {
	TTL         time.Duration
	PushTimeout time.Duration
}

type WebhookConfig struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	Timeout        time.Duration
	MaxInFlight    int
}

type ReaperConfig struct {
	Interval time.Duration
	Grace    time.Duration
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type AutomationConfig struct {
	Mode      string
	StepDelay time.Duration
}

var validBackends = map[string]bool{
	"redis":  true,
	"memory": true,
}

var validModes = map[string]bool{
	"mock": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PROVBOT_PORT", 8080),
			Env:  envString("PROVBOT_ENV", "development"),
		},
		Store: StoreConfig{
			Backend:  envString("STORE_BACKEND", "redis"),
			RedisURL: os.Getenv("REDIS_URL"),
		},
		Auth: AuthConfig{
			APIToken:      os.Getenv("API_SECRET_TOKEN"),
			WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		},
		Jobs: JobsConfig{
			MaxConcurrent:  envInt("MAX_CONCURRENT_JOBS", 10),
			Timeout:        envDurationOrSecs("JOB_TIMEOUT", 30*time.Minute),
			MaxRetries:     envInt("JOB_MAX_RETRIES", 3),
			RetryBaseDelay: envDuration("JOB_RETRY_BASE_DELAY", time.Minute),
		},
		Notify: NotifyConfig{
			TTL:         envDurationSecs("NOTIFY_TTL_SECONDS", 180*time.Second),
			PushTimeout: envDuration("NOTIFY_PUSH_TIMEOUT", time.Second),
		},
		Webhook: WebhookConfig{
			MaxRetries:     envInt("WEBHOOK_MAX_RETRIES", 3),
			RetryBaseDelay: envDuration("WEBHOOK_RETRY_BASE_DELAY", time.Second),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 30*time.Second),
			MaxInFlight:    envInt("WEBHOOK_MAX_IN_FLIGHT", 32),
		},
		Reaper: ReaperConfig{
			Interval: envDuration("REAPER_INTERVAL", 5*time.Minute),
			Grace:    envDuration("REAPER_GRACE", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envInt("RATE_LIMIT_REQUESTS", 100),
		},
		Automation: AutomationConfig{
			Mode:      envString("AUTOMATION_MODE", "mock"),
			StepDelay: envDuration("AUTOMATION_STEP_DELAY", 250*time.Millisecond),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validBackends[c.Store.Backend] {
		return fmt.Errorf("STORE_BACKEND must be one of redis, memory; got %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" {
		if c.Store.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_BACKEND is redis")
		}
		if !strings.HasPrefix(c.Store.RedisURL, "redis://") && !strings.HasPrefix(c.Store.RedisURL, "rediss://") {
			return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Store.RedisURL)
		}
	}

	if c.Auth.APIToken == "" {
		return fmt.Errorf("API_SECRET_TOKEN is required")
	}
	if c.Auth.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}

	if c.Jobs.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1, got %d", c.Jobs.MaxConcurrent)
	}
	if c.Jobs.Timeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive, got %s", c.Jobs.Timeout)
	}
	if c.Jobs.MaxRetries < 0 {
		return fmt.Errorf("JOB_MAX_RETRIES must not be negative, got %d", c.Jobs.MaxRetries)
	}

	if c.Notify.TTL <= 0 {
		return fmt.Errorf("NOTIFY_TTL_SECONDS must be positive, got %s", c.Notify.TTL)
	}

	if c.Webhook.MaxRetries < 0 {
		return fmt.Errorf("WEBHOOK_MAX_RETRIES must not be negative, got %d", c.Webhook.MaxRetries)
	}
	if c.Webhook.MaxInFlight < 1 {
		return fmt.Errorf("WEBHOOK_MAX_IN_FLIGHT must be at least 1, got %d", c.Webhook.MaxInFlight)
	}

	if c.Reaper.Interval < time.Second {
		return fmt.Errorf("REAPER_INTERVAL must be at least 1s, got %s", c.Reaper.Interval)
	}

	if c.RateLimit.RequestsPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be at least 1, got %d", c.RateLimit.RequestsPerMinute)
	}

	if !validModes[c.Automation.Mode] {
		return fmt.Errorf("AUTOMATION_MODE must be mock; got %q", c.Automation.Mode)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envDurationOrSecs accepts either a Go duration string or a bare number
// of seconds.
func envDurationOrSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}

// envDurationSecs accepts a bare number of seconds, matching the original
// deployment's environment files.
func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
