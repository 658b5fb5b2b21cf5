package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Spike      SpikeConfig      `mapstructure:"spike"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	LinkedIn   LinkedInConfig   `mapstructure:"linkedin"`
	Reddit     RedditConfig     `mapstructure:"reddit"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	API        APIConfig        `mapstructure:"api"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	DSN    string `mapstructure:"dsn"`    // Connection string
}

// QueueConfig selects and tunes the task broker
type QueueConfig struct {
	Driver            string        `mapstructure:"driver"` // redis or memory
	RedisURL          string        `mapstructure:"redis_url"`
	Prefix            string        `mapstructure:"prefix"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// SchedulerConfig holds the tick producer settings
type SchedulerConfig struct {
	TickCron   string `mapstructure:"tick_cron"`
	HealthAddr string `mapstructure:"health_addr"`
}

// DispatcherConfig holds coordinator settings
type DispatcherConfig struct {
	DefaultPollInterval time.Duration `mapstructure:"default_poll_interval"`
	// StageTimeout is how long a pending task reference or an in-progress
	// status is trusted before the job is considered stuck
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	BatchLimit   int           `mapstructure:"batch_limit"`
}

// WorkerConfig holds worker pool settings
type WorkerConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	MaxDeliveries    int           `mapstructure:"max_deliveries"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	BreakerFailures  uint          `mapstructure:"breaker_failures"`
	BreakerDelay     time.Duration `mapstructure:"breaker_delay"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	StrategyMinScore float64       `mapstructure:"strategy_min_score"`
}

// SpikeConfig holds spike detection settings
type SpikeConfig struct {
	Window    time.Duration `mapstructure:"window"`
	Align     time.Duration `mapstructure:"align"`
	Threshold float64       `mapstructure:"threshold"`
}

// AnthropicConfig holds Claude API settings
type AnthropicConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	BrandVoice  string  `mapstructure:"brand_voice"`
}

// LinkedInConfig holds LinkedIn API settings
type LinkedInConfig struct {
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURI  string   `mapstructure:"redirect_uri"`
	Scopes       []string `mapstructure:"scopes"`
	BaseURL      string   `mapstructure:"base_url"`
	OAuthURL     string   `mapstructure:"oauth_url"`
	APIVersion   string   `mapstructure:"api_version"`
}

// RedditConfig holds Reddit listing settings
type RedditConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	UserAgent string `mapstructure:"user_agent"`
	Limit     int    `mapstructure:"limit"`
}

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	LinkedInRequestsPerDay     int `mapstructure:"linkedin_requests_per_day"`
	AnthropicRequestsPerMinute int `mapstructure:"anthropic_requests_per_minute"`
	RedditRequestsPerMinute    int `mapstructure:"reddit_requests_per_minute"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout or file path
}

// APIConfig holds HTTP surface settings
type APIConfig struct {
	Addr            string        `mapstructure:"addr"`
	OwnerHeader     string        `mapstructure:"owner_header"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TrackerConfig holds Google Sheets export settings
type TrackerConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	SpreadsheetID      string `mapstructure:"spreadsheet_id"`
	AlertsSheet        string `mapstructure:"alerts_sheet"`
	CardsSheet         string `mapstructure:"cards_sheet"`
	CredentialsFile    string `mapstructure:"credentials_file"`
	ServiceAccountJSON string `mapstructure:"service_account_json"`
}

// Role names a process that validates its own slice of the config
type Role string

const (
	RoleScheduler Role = "scheduler"
	RoleWorker    Role = "worker"
	RoleAPI       Role = "api"
	RoleAll       Role = "all"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config in current directory and configs folder
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		// Also check user's home directory
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".signalpost"))
		}
	}

	// Environment variables
	v.SetEnvPrefix("SIGNALPOST")
	v.AutomaticEnv()

	// Explicit bindings for nested keys (Viper doesn't auto-bind underscored nested keys)
	for key, env := range map[string]string{
		"database.driver":              "SIGNALPOST_DATABASE_DRIVER",
		"database.dsn":                 "SIGNALPOST_DATABASE_DSN",
		"queue.driver":                 "SIGNALPOST_QUEUE_DRIVER",
		"queue.redis_url":              "SIGNALPOST_QUEUE_REDIS_URL",
		"anthropic.api_key":            "SIGNALPOST_ANTHROPIC_API_KEY",
		"anthropic.model":              "SIGNALPOST_ANTHROPIC_MODEL",
		"linkedin.client_id":           "SIGNALPOST_LINKEDIN_CLIENT_ID",
		"linkedin.client_secret":       "SIGNALPOST_LINKEDIN_CLIENT_SECRET",
		"worker.concurrency":           "SIGNALPOST_WORKER_CONCURRENCY",
		"api.addr":                     "SIGNALPOST_API_ADDR",
		"scheduler.health_addr":        "SIGNALPOST_SCHEDULER_HEALTH_ADDR",
		"tracker.enabled":              "SIGNALPOST_TRACKER_ENABLED",
		"tracker.spreadsheet_id":       "SIGNALPOST_TRACKER_SPREADSHEET_ID",
		"tracker.credentials_file":     "SIGNALPOST_TRACKER_CREDENTIALS_FILE",
		"tracker.service_account_json": "SIGNALPOST_TRACKER_SERVICE_ACCOUNT_JSON",
		"logging.level":                "SIGNALPOST_LOGGING_LEVEL",
	} {
		_ = v.BindEnv(key, env)
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/signalpost.db")

	// Queue defaults
	v.SetDefault("queue.driver", "redis")
	v.SetDefault("queue.redis_url", "redis://localhost:6379/0")
	v.SetDefault("queue.prefix", "signalpost")
	v.SetDefault("queue.visibility_timeout", "10m")
	v.SetDefault("queue.poll_timeout", "5s")
	v.SetDefault("queue.poll_interval", "200ms")

	// Scheduler defaults
	v.SetDefault("scheduler.tick_cron", "*/5 * * * *") // Every 5 minutes
	v.SetDefault("scheduler.health_addr", ":8081")

	// Dispatcher defaults
	v.SetDefault("dispatcher.default_poll_interval", "15m")
	v.SetDefault("dispatcher.stage_timeout", "15m")
	v.SetDefault("dispatcher.batch_limit", 200)

	// Worker defaults
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_deliveries", 5)
	v.SetDefault("worker.task_timeout", "5m")
	v.SetDefault("worker.call_timeout", "90s")
	v.SetDefault("worker.breaker_failures", 5)
	v.SetDefault("worker.breaker_delay", "1m")
	v.SetDefault("worker.metrics_addr", ":9090")
	v.SetDefault("worker.strategy_min_score", 0.0)

	// Spike defaults
	v.SetDefault("spike.window", "1h")
	v.SetDefault("spike.align", "1h")
	v.SetDefault("spike.threshold", 2.0)

	// Anthropic defaults
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.temperature", 0.7)
	v.SetDefault("anthropic.brand_voice", "Clear, energetic and specific. Speak to creators and small marketing teams.")

	// LinkedIn defaults
	v.SetDefault("linkedin.redirect_uri", "http://localhost:8080/callback")
	v.SetDefault("linkedin.scopes", []string{"w_member_social", "openid", "profile"})
	v.SetDefault("linkedin.base_url", "https://api.linkedin.com")
	v.SetDefault("linkedin.oauth_url", "https://www.linkedin.com/oauth/v2")
	v.SetDefault("linkedin.api_version", "202401")

	// Reddit defaults
	v.SetDefault("reddit.base_url", "https://www.reddit.com")
	v.SetDefault("reddit.user_agent", "signalpost/1.0")
	v.SetDefault("reddit.limit", 50)

	// Rate limit defaults
	v.SetDefault("rate_limit.linkedin_requests_per_day", 100)
	v.SetDefault("rate_limit.anthropic_requests_per_minute", 10)
	v.SetDefault("rate_limit.reddit_requests_per_minute", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")

	// API defaults
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.owner_header", "X-Owner-ID")
	v.SetDefault("api.shutdown_timeout", "10s")

	// Tracker defaults
	v.SetDefault("tracker.enabled", false)
	v.SetDefault("tracker.alerts_sheet", "Alerts")
	v.SetDefault("tracker.cards_sheet", "Strategy")
}

// Validate checks the settings every role needs
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.Queue.Driver {
	case "redis":
		if c.Queue.RedisURL == "" {
			return fmt.Errorf("queue.redis_url is required for the redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("queue.driver must be redis or memory, got %q", c.Queue.Driver)
	}
	if c.Tracker.Enabled && c.Tracker.SpreadsheetID == "" {
		return fmt.Errorf("tracker.spreadsheet_id is required when the tracker is enabled")
	}
	return nil
}

// ValidateFor checks the settings a given process role depends on
func (c *Config) ValidateFor(role Role) error {
	if err := c.Validate(); err != nil {
		return err
	}

	if role == RoleScheduler || role == RoleAll {
		if c.Scheduler.TickCron == "" {
			return fmt.Errorf("scheduler.tick_cron is required")
		}
	}
	if role == RoleWorker || role == RoleAll {
		if c.Anthropic.APIKey == "" {
			return fmt.Errorf("anthropic.api_key is required")
		}
		if c.Worker.MaxDeliveries < 1 {
			return fmt.Errorf("worker.max_deliveries must be at least 1")
		}
		if c.Spike.Window <= 0 || c.Spike.Threshold <= 0 {
			return fmt.Errorf("spike.window and spike.threshold must be positive")
		}
	}
	if role != RoleAll && c.Queue.Driver == "memory" {
		return fmt.Errorf("queue.driver memory only works when every role runs in one process")
	}
	return nil
}
