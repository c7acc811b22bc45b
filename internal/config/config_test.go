package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Defaults are valid except for the secret, which has no default.
	err := cfg.Validate()
	assert.ErrorContains(t, err, "auth secret")

	cfg.Auth.Secret = "test-secret"
	assert.NoError(t, cfg.Validate())

	assert.Equal(t, 4*time.Hour, cfg.Occupancy.CheckInTTL)
	assert.Equal(t, 24*time.Hour, cfg.Occupancy.FeedRetention)
	assert.Equal(t, 100, cfg.Occupancy.HistoryLimit)
	assert.Equal(t, time.Minute, cfg.Sweeper.ExpiryInterval)
	assert.Equal(t, time.Hour, cfg.Sweeper.RetentionInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Auth.Secret = "test-secret"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }},
		{"zero checkin ttl", func(c *Config) { c.Occupancy.CheckInTTL = 0 }},
		{"zero history limit", func(c *Config) { c.Occupancy.HistoryLimit = 0 }},
		{"zero expiry interval", func(c *Config) { c.Sweeper.ExpiryInterval = 0 }},
		{"missing auth section", func(c *Config) { c.Auth = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BEACONS_HTTP_PORT", "9090")
	t.Setenv("BEACONS_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("BEACONS_AUTH_SECRET", "env-secret")
	t.Setenv("BEACONS_CHECKIN_TTL", "2h")
	t.Setenv("BEACONS_HISTORY_LIMIT", "50")

	cfg := LoadFromEnv()
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, "env-secret", cfg.Auth.Secret)
	assert.Equal(t, 2*time.Hour, cfg.Occupancy.CheckInTTL)
	assert.Equal(t, 50, cfg.Occupancy.HistoryLimit)
}

func TestLoadFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("BEACONS_HTTP_PORT", "not-a-number")
	t.Setenv("BEACONS_CHECKIN_TTL", "not-a-duration")

	cfg := LoadFromEnv()
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 4*time.Hour, cfg.Occupancy.CheckInTTL)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"http": {"port": 9191},
		"auth": {"secret": "file-secret"},
		"occupancy": {"checkin_ttl": "3h", "history_limit": 25},
		"sweeper": {"expiry_interval": "30s"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.HTTP.Port)
	assert.Equal(t, "file-secret", cfg.Auth.Secret)
	assert.Equal(t, 3*time.Hour, cfg.Occupancy.CheckInTTL)
	assert.Equal(t, 25, cfg.Occupancy.HistoryLimit)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.ExpiryInterval)

	// Unspecified sections keep their defaults.
	assert.Equal(t, "./beacons.db", cfg.Database.Path)
}

func TestLoadFromFileRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"http": `), 0o644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("BEACONS_AUTH_SECRET", "env-secret")
	t.Setenv("BEACONS_HTTP_PORT", "9090")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"http": {"port": 9191}}`), 0o644))

	// File overrides environment; environment fills what the file omits.
	cfg := LoadConfigWithPrecedence(path)
	assert.Equal(t, 9191, cfg.HTTP.Port)
	assert.Equal(t, "env-secret", cfg.Auth.Secret)

	// Missing file falls back to environment.
	cfg = LoadConfigWithPrecedence(filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, 9090, cfg.HTTP.Port)
}
