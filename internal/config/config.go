// Package config loads process configuration.
//
// Values are layered lowest to highest: built-in defaults, an optional YAML
// file named by CRAWLPILOT_CONFIG, a .env file, and the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"
	OpsAPIKey string // bearer key for /v1 (optional)

	// Backing services. Empty values select the in-memory implementations.
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers []string
	KafkaTopic   string
	OTLPEndpoint string

	// Session health
	StaleThreshold      time.Duration
	InvalidThreshold    time.Duration
	HealthCheckInterval time.Duration

	// Planner
	PlannerInterval time.Duration
	PlannerMaxUsers int

	// Selection. When true, a selection without a proxy slot fails with
	// NO_PROXY_AVAILABLE unless the caller overrides it.
	RequireProxyDefault bool

	Policy PolicyDefaults

	// Cookie decryption
	CookiePassphrase string
	CookieKeySalt    string

	// Notifications (optional)
	NotifyWebhookURL    string
	NotifyWebhookSecret string

	Diversify DiversifyConfig
}

// PolicyDefaults are the GLOBAL limits used when no GLOBAL policy is stored,
// and the per-field fallback for a stored one.
type PolicyDefaults struct {
	MaxAccounts     int     `yaml:"maxAccounts"`
	MaxTasksPerHour int     `yaml:"maxTasksPerHour"`
	MaxPostsPerDay  int     `yaml:"maxPostsPerDay"`
	MaxAbortRatePct float64 `yaml:"maxAbortRatePct"`
	OnLimitExceeded string  `yaml:"onLimitExceeded"`
	CooldownMinutes int     `yaml:"cooldownMinutes"`
}

// DiversifyConfig tunes query generation.
type DiversifyConfig struct {
	Synonyms  map[string]string `yaml:"synonyms"`
	SpamTerms []string          `yaml:"spamTerms"`
}

const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultKafkaTopic            = "crawlpilot.work-orders"
	DefaultStaleThresholdHours   = 24
	DefaultInvalidThresholdHours = 72
	DefaultHealthCheckInterval   = 5 * time.Minute
	DefaultPlannerInterval       = 2 * time.Minute
	DefaultPlannerMaxUsers       = 50
	DefaultMaxAccounts           = 5
	DefaultMaxTasksPerHour       = 20
	DefaultMaxPostsPerDay        = 2000
	DefaultMaxAbortRatePct       = 30
	DefaultOnLimitExceeded       = "COOLDOWN"
	DefaultCooldownMinutes       = 30

	// KeyringService and KeyringUser locate the cookie passphrase in the OS
	// keychain when COOKIE_PASSPHRASE is unset.
	KeyringService = "crawlpilot"
	KeyringUser    = "cookie-passphrase"
)

// Defaults returns a Config populated with built-in defaults only.
func Defaults() *Config {
	return &Config{
		Port:                DefaultPort,
		Env:                 DefaultEnv,
		LogLevel:            DefaultLogLevel,
		LogFormat:           DefaultLogFormat,
		KafkaTopic:          DefaultKafkaTopic,
		StaleThreshold:      DefaultStaleThresholdHours * time.Hour,
		InvalidThreshold:    DefaultInvalidThresholdHours * time.Hour,
		HealthCheckInterval: DefaultHealthCheckInterval,
		PlannerInterval:     DefaultPlannerInterval,
		PlannerMaxUsers:     DefaultPlannerMaxUsers,
		Policy: PolicyDefaults{
			MaxAccounts:     DefaultMaxAccounts,
			MaxTasksPerHour: DefaultMaxTasksPerHour,
			MaxPostsPerDay:  DefaultMaxPostsPerDay,
			MaxAbortRatePct: DefaultMaxAbortRatePct,
			OnLimitExceeded: DefaultOnLimitExceeded,
			CooldownMinutes: DefaultCooldownMinutes,
		},
	}
}

// Load reads configuration from the layered sources and validates it.
func Load() (*Config, error) {
	// .env is optional; it never overrides variables already in the environment.
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("CRAWLPILOT_CONFIG"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if cfg.CookiePassphrase == "" {
		if secret, err := keyring.Get(KeyringService, KeyringUser); err == nil {
			cfg.CookiePassphrase = secret
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileConfig mirrors the YAML layout. Zero values leave the lower layer intact.
type fileConfig struct {
	Port      string `yaml:"port"`
	Env       string `yaml:"env"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	Health struct {
		StaleThresholdHours   int    `yaml:"staleThresholdHours"`
		InvalidThresholdHours int    `yaml:"invalidThresholdHours"`
		Interval              string `yaml:"interval"`
	} `yaml:"health"`

	Planner struct {
		Interval string `yaml:"interval"`
		MaxUsers int    `yaml:"maxUsers"`
	} `yaml:"planner"`

	Selection struct {
		RequireProxy *bool `yaml:"requireProxy"`
	} `yaml:"selection"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	Policy    PolicyDefaults  `yaml:"policy"`
	Diversify DiversifyConfig `yaml:"diversify"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided config path
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.Port, fc.Port)
	setString(&c.Env, fc.Env)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)

	if fc.Health.StaleThresholdHours > 0 {
		c.StaleThreshold = time.Duration(fc.Health.StaleThresholdHours) * time.Hour
	}
	if fc.Health.InvalidThresholdHours > 0 {
		c.InvalidThreshold = time.Duration(fc.Health.InvalidThresholdHours) * time.Hour
	}
	if err := setDuration(&c.HealthCheckInterval, fc.Health.Interval); err != nil {
		return fmt.Errorf("health.interval: %w", err)
	}
	if err := setDuration(&c.PlannerInterval, fc.Planner.Interval); err != nil {
		return fmt.Errorf("planner.interval: %w", err)
	}
	if fc.Planner.MaxUsers > 0 {
		c.PlannerMaxUsers = fc.Planner.MaxUsers
	}
	if fc.Selection.RequireProxy != nil {
		c.RequireProxyDefault = *fc.Selection.RequireProxy
	}
	if len(fc.Kafka.Brokers) > 0 {
		c.KafkaBrokers = fc.Kafka.Brokers
	}
	setString(&c.KafkaTopic, fc.Kafka.Topic)

	p := fc.Policy
	if p.MaxAccounts > 0 {
		c.Policy.MaxAccounts = p.MaxAccounts
	}
	if p.MaxTasksPerHour > 0 {
		c.Policy.MaxTasksPerHour = p.MaxTasksPerHour
	}
	if p.MaxPostsPerDay > 0 {
		c.Policy.MaxPostsPerDay = p.MaxPostsPerDay
	}
	if p.MaxAbortRatePct > 0 {
		c.Policy.MaxAbortRatePct = p.MaxAbortRatePct
	}
	setString(&c.Policy.OnLimitExceeded, strings.ToUpper(p.OnLimitExceeded))
	if p.CooldownMinutes > 0 {
		c.Policy.CooldownMinutes = p.CooldownMinutes
	}

	if len(fc.Diversify.Synonyms) > 0 {
		c.Diversify.Synonyms = fc.Diversify.Synonyms
	}
	if len(fc.Diversify.SpamTerms) > 0 {
		c.Diversify.SpamTerms = fc.Diversify.SpamTerms
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.Env = getEnv("ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.OpsAPIKey = getEnv("OPS_API_KEY", c.OpsAPIKey)

	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.KafkaBrokers = splitList(brokers)
	}
	c.KafkaTopic = getEnv("KAFKA_TOPIC", c.KafkaTopic)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)

	c.StaleThreshold = time.Duration(getEnvInt64("STALE_THRESHOLD_HOURS", int64(c.StaleThreshold/time.Hour))) * time.Hour
	c.InvalidThreshold = time.Duration(getEnvInt64("INVALID_THRESHOLD_HOURS", int64(c.InvalidThreshold/time.Hour))) * time.Hour
	c.HealthCheckInterval = getEnvDuration("HEALTH_CHECK_INTERVAL", c.HealthCheckInterval)
	c.PlannerInterval = getEnvDuration("PLANNER_INTERVAL", c.PlannerInterval)
	c.PlannerMaxUsers = int(getEnvInt64("PLANNER_MAX_USERS", int64(c.PlannerMaxUsers)))
	c.RequireProxyDefault = getEnvBool("REQUIRE_PROXY_DEFAULT", c.RequireProxyDefault)

	c.Policy.MaxAccounts = int(getEnvInt64("POLICY_MAX_ACCOUNTS", int64(c.Policy.MaxAccounts)))
	c.Policy.MaxTasksPerHour = int(getEnvInt64("POLICY_MAX_TASKS_PER_HOUR", int64(c.Policy.MaxTasksPerHour)))
	c.Policy.MaxPostsPerDay = int(getEnvInt64("POLICY_MAX_POSTS_PER_DAY", int64(c.Policy.MaxPostsPerDay)))
	c.Policy.MaxAbortRatePct = getEnvFloat("POLICY_MAX_ABORT_RATE_PCT", c.Policy.MaxAbortRatePct)
	c.Policy.OnLimitExceeded = strings.ToUpper(getEnv("POLICY_ON_LIMIT_EXCEEDED", c.Policy.OnLimitExceeded))
	c.Policy.CooldownMinutes = int(getEnvInt64("POLICY_COOLDOWN_MINUTES", int64(c.Policy.CooldownMinutes)))

	c.CookiePassphrase = getEnv("COOKIE_PASSPHRASE", c.CookiePassphrase)
	c.CookieKeySalt = getEnv("COOKIE_KEY_SALT", c.CookieKeySalt)
	c.NotifyWebhookURL = getEnv("NOTIFY_WEBHOOK_URL", c.NotifyWebhookURL)
	c.NotifyWebhookSecret = getEnv("NOTIFY_WEBHOOK_SECRET", c.NotifyWebhookSecret)
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.StaleThreshold <= 0 {
		return fmt.Errorf("STALE_THRESHOLD_HOURS must be positive")
	}
	if c.InvalidThreshold <= c.StaleThreshold {
		return fmt.Errorf("INVALID_THRESHOLD_HOURS must be greater than STALE_THRESHOLD_HOURS")
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("HEALTH_CHECK_INTERVAL must be positive")
	}
	if c.PlannerInterval <= 0 {
		return fmt.Errorf("PLANNER_INTERVAL must be positive")
	}
	if c.PlannerMaxUsers <= 0 {
		return fmt.Errorf("PLANNER_MAX_USERS must be positive")
	}
	if c.Policy.MaxAccounts <= 0 || c.Policy.MaxTasksPerHour <= 0 || c.Policy.MaxPostsPerDay <= 0 {
		return fmt.Errorf("policy limits must be positive")
	}
	if c.Policy.MaxAbortRatePct <= 0 || c.Policy.MaxAbortRatePct > 100 {
		return fmt.Errorf("POLICY_MAX_ABORT_RATE_PCT must be in (0, 100]")
	}
	switch c.Policy.OnLimitExceeded {
	case "WARN", "COOLDOWN", "DISABLE":
	default:
		return fmt.Errorf("POLICY_ON_LIMIT_EXCEEDED must be WARN, COOLDOWN or DISABLE, got %q", c.Policy.OnLimitExceeded)
	}
	if c.Policy.CooldownMinutes <= 0 {
		return fmt.Errorf("POLICY_COOLDOWN_MINUTES must be positive")
	}
	if c.IsProduction() && c.CookiePassphrase == "" {
		return fmt.Errorf("COOKIE_PASSPHRASE is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
