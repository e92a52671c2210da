package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func init() {
	keyring.MockInit()
}

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "STALE_THRESHOLD_HOURS", "")
	setEnv(t, "INVALID_THRESHOLD_HOURS", "")
	setEnv(t, "PLANNER_MAX_USERS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.StaleThreshold)
	assert.Equal(t, 72*time.Hour, cfg.InvalidThreshold)
	assert.Equal(t, DefaultPlannerMaxUsers, cfg.PlannerMaxUsers)
	assert.Equal(t, DefaultOnLimitExceeded, cfg.Policy.OnLimitExceeded)
	assert.False(t, cfg.RequireProxyDefault)
}

func TestLoad_EnvOverrides(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")
	setEnv(t, "STALE_THRESHOLD_HOURS", "12")
	setEnv(t, "INVALID_THRESHOLD_HOURS", "48")
	setEnv(t, "PLANNER_INTERVAL", "30s")
	setEnv(t, "REQUIRE_PROXY_DEFAULT", "true")
	setEnv(t, "KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	setEnv(t, "POLICY_ON_LIMIT_EXCEEDED", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 12*time.Hour, cfg.StaleThreshold)
	assert.Equal(t, 48*time.Hour, cfg.InvalidThreshold)
	assert.Equal(t, 30*time.Second, cfg.PlannerInterval)
	assert.True(t, cfg.RequireProxyDefault)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "WARN", cfg.Policy.OnLimitExceeded)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crawlpilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
planner:
  interval: 90s
  maxUsers: 10
selection:
  requireProxy: true
policy:
  maxTasksPerHour: 40
  onLimitExceeded: disable
diversify:
  synonyms:
    golang: go
  spamTerms: [giveaway]
`), 0o600))

	setEnv(t, "ENV", "development")
	setEnv(t, "CRAWLPILOT_CONFIG", path)
	setEnv(t, "PLANNER_MAX_USERS", "25")
	setEnv(t, "REQUIRE_PROXY_DEFAULT", "")
	setEnv(t, "PLANNER_INTERVAL", "")
	setEnv(t, "POLICY_ON_LIMIT_EXCEEDED", "")
	setEnv(t, "POLICY_MAX_TASKS_PER_HOUR", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.PlannerInterval)
	assert.Equal(t, 25, cfg.PlannerMaxUsers, "env wins over file")
	assert.True(t, cfg.RequireProxyDefault)
	assert.Equal(t, 40, cfg.Policy.MaxTasksPerHour)
	assert.Equal(t, "DISABLE", cfg.Policy.OnLimitExceeded)
	assert.Equal(t, "go", cfg.Diversify.Synonyms["golang"])
	assert.Equal(t, []string{"giveaway"}, cfg.Diversify.SpamTerms)
}

func TestLoad_BadFile(t *testing.T) {
	setEnv(t, "CRAWLPILOT_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoad_PassphraseFromKeyring(t *testing.T) {
	require.NoError(t, keyring.Set(KeyringService, KeyringUser, "from-keychain"))
	t.Cleanup(func() { _ = keyring.Delete(KeyringService, KeyringUser) })
	setEnv(t, "COOKIE_PASSPHRASE", "")
	setEnv(t, "ENV", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-keychain", cfg.CookiePassphrase)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults are valid", func(c *Config) {}, ""},
		{"invalid not after stale", func(c *Config) { c.InvalidThreshold = c.StaleThreshold }, "INVALID_THRESHOLD_HOURS"},
		{"zero stale", func(c *Config) { c.StaleThreshold = 0 }, "STALE_THRESHOLD_HOURS"},
		{"zero planner users", func(c *Config) { c.PlannerMaxUsers = 0 }, "PLANNER_MAX_USERS"},
		{"bad action", func(c *Config) { c.Policy.OnLimitExceeded = "BAN" }, "POLICY_ON_LIMIT_EXCEEDED"},
		{"abort rate above 100", func(c *Config) { c.Policy.MaxAbortRatePct = 150 }, "POLICY_MAX_ABORT_RATE_PCT"},
		{"production without passphrase", func(c *Config) { c.Env = "production" }, "COOKIE_PASSPHRASE"},
		{"production with passphrase", func(c *Config) {
			c.Env = "production"
			c.CookiePassphrase = "secret"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
