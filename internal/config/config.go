// Package config loads and validates application settings from defaults,
// environment variables, and an optional JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application settings.
type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Auth      *AuthConfig      `json:"auth"`
	Occupancy *OccupancyConfig `json:"occupancy"`
	Sweeper   *SweeperConfig   `json:"sweeper"`
}

type DatabaseConfig struct {
	Path    string        `json:"path"`
	Timeout time.Duration `json:"timeout"`
}

type HTTPConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	Host         string        `json:"host"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `json:"ping_interval"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	BufferSize   int           `json:"buffer_size"`
}

// AuthConfig holds the JWT settings. Secret has no default: the
// application refuses to start without one. Token issuance (and its TTL)
// lives with the auth service that sets the cookie, not here.
type AuthConfig struct {
	Secret string `json:"secret"`
}

type OccupancyConfig struct {
	CheckInTTL    time.Duration `json:"checkin_ttl"`
	FeedRetention time.Duration `json:"feed_retention"`
	HistoryLimit  int           `json:"history_limit"`
}

type SweeperConfig struct {
	ExpiryInterval    time.Duration `json:"expiry_interval"`
	RetentionInterval time.Duration `json:"retention_interval"`
	Retention         time.Duration `json:"retention"`
}

// DefaultConfig returns the production defaults: 4-hour check-ins, a
// 24-hour retention window, expiry sweeps every minute.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./beacons.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   100,
		},
		Auth: &AuthConfig{},
		Occupancy: &OccupancyConfig{
			CheckInTTL:    4 * time.Hour,
			FeedRetention: 24 * time.Hour,
			HistoryLimit:  100,
		},
		Sweeper: &SweeperConfig{
			ExpiryInterval:    time.Minute,
			RetentionInterval: time.Hour,
			Retention:         24 * time.Hour,
		},
	}
}

// Validate checks that every section is present and sane.
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= 0 {
		return fmt.Errorf("WebSocket read timeout must be positive")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth secret cannot be empty")
	}

	if c.Occupancy == nil {
		return fmt.Errorf("occupancy configuration is required")
	}
	if c.Occupancy.CheckInTTL <= 0 {
		return fmt.Errorf("check-in TTL must be positive")
	}
	if c.Occupancy.FeedRetention <= 0 {
		return fmt.Errorf("feed retention must be positive")
	}
	if c.Occupancy.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive")
	}

	if c.Sweeper == nil {
		return fmt.Errorf("sweeper configuration is required")
	}
	if c.Sweeper.ExpiryInterval <= 0 {
		return fmt.Errorf("sweeper expiry interval must be positive")
	}
	if c.Sweeper.RetentionInterval <= 0 {
		return fmt.Errorf("sweeper retention interval must be positive")
	}
	if c.Sweeper.Retention <= 0 {
		return fmt.Errorf("sweeper retention window must be positive")
	}

	return nil
}

// LoadFromEnv layers BEACONS_* environment variables over the defaults.
// A .env file in the working directory, if present, is loaded first.
func LoadFromEnv() *Config {
	_ = godotenv.Load()

	config := DefaultConfig()

	if port := os.Getenv("BEACONS_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.HTTP.Port = p
		}
	}
	if host := os.Getenv("BEACONS_HTTP_HOST"); host != "" {
		config.HTTP.Host = host
	}
	if dbPath := os.Getenv("BEACONS_DATABASE_PATH"); dbPath != "" {
		config.Database.Path = dbPath
	}
	if dbTimeout := os.Getenv("BEACONS_DATABASE_TIMEOUT"); dbTimeout != "" {
		if timeout, err := time.ParseDuration(dbTimeout); err == nil {
			config.Database.Timeout = timeout
		}
	}

	if secret := os.Getenv("BEACONS_AUTH_SECRET"); secret != "" {
		config.Auth.Secret = secret
	}

	if ttl := os.Getenv("BEACONS_CHECKIN_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			config.Occupancy.CheckInTTL = d
		}
	}
	if retention := os.Getenv("BEACONS_FEED_RETENTION"); retention != "" {
		if d, err := time.ParseDuration(retention); err == nil {
			config.Occupancy.FeedRetention = d
		}
	}
	if limit := os.Getenv("BEACONS_HISTORY_LIMIT"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			config.Occupancy.HistoryLimit = n
		}
	}

	if interval := os.Getenv("BEACONS_SWEEPER_EXPIRY_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Sweeper.ExpiryInterval = d
		}
	}
	if interval := os.Getenv("BEACONS_SWEEPER_RETENTION_INTERVAL"); interval != "" {
		if d, err := time.ParseDuration(interval); err == nil {
			config.Sweeper.RetentionInterval = d
		}
	}
	if retention := os.Getenv("BEACONS_SWEEPER_RETENTION"); retention != "" {
		if d, err := time.ParseDuration(retention); err == nil {
			config.Sweeper.Retention = d
		}
	}

	return config
}

// ConfigFile mirrors Config with string durations for JSON parsing.
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Auth      *AuthConfigFile      `json:"auth"`
	Occupancy *OccupancyConfigFile `json:"occupancy"`
	Sweeper   *SweeperConfigFile   `json:"sweeper"`
}

type DatabaseConfigFile struct {
	Path    string `json:"path"`
	Timeout string `json:"timeout"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	Host         string `json:"host"`
}

type WebSocketConfigFile struct {
	PingInterval string `json:"ping_interval"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	BufferSize   int    `json:"buffer_size"`
}

type AuthConfigFile struct {
	Secret string `json:"secret"`
}

type OccupancyConfigFile struct {
	CheckInTTL    string `json:"checkin_ttl"`
	FeedRetention string `json:"feed_retention"`
	HistoryLimit  int    `json:"history_limit"`
}

type SweeperConfigFile struct {
	ExpiryInterval    string `json:"expiry_interval"`
	RetentionInterval string `json:"retention_interval"`
	Retention         string `json:"retention"`
}

// LoadFromFile layers a JSON config file over the defaults.
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	config := LoadFromEnv()

	if configFile.Database != nil {
		if configFile.Database.Path != "" {
			config.Database.Path = configFile.Database.Path
		}
		setDuration(&config.Database.Timeout, configFile.Database.Timeout)
	}

	if configFile.HTTP != nil {
		if configFile.HTTP.Port > 0 {
			config.HTTP.Port = configFile.HTTP.Port
		}
		if configFile.HTTP.Host != "" {
			config.HTTP.Host = configFile.HTTP.Host
		}
		setDuration(&config.HTTP.ReadTimeout, configFile.HTTP.ReadTimeout)
		setDuration(&config.HTTP.WriteTimeout, configFile.HTTP.WriteTimeout)
	}

	if configFile.WebSocket != nil {
		if configFile.WebSocket.BufferSize > 0 {
			config.WebSocket.BufferSize = configFile.WebSocket.BufferSize
		}
		setDuration(&config.WebSocket.PingInterval, configFile.WebSocket.PingInterval)
		setDuration(&config.WebSocket.ReadTimeout, configFile.WebSocket.ReadTimeout)
		setDuration(&config.WebSocket.WriteTimeout, configFile.WebSocket.WriteTimeout)
	}

	if configFile.Auth != nil {
		if configFile.Auth.Secret != "" {
			config.Auth.Secret = configFile.Auth.Secret
		}
	}

	if configFile.Occupancy != nil {
		if configFile.Occupancy.HistoryLimit > 0 {
			config.Occupancy.HistoryLimit = configFile.Occupancy.HistoryLimit
		}
		setDuration(&config.Occupancy.CheckInTTL, configFile.Occupancy.CheckInTTL)
		setDuration(&config.Occupancy.FeedRetention, configFile.Occupancy.FeedRetention)
	}

	if configFile.Sweeper != nil {
		setDuration(&config.Sweeper.ExpiryInterval, configFile.Sweeper.ExpiryInterval)
		setDuration(&config.Sweeper.RetentionInterval, configFile.Sweeper.RetentionInterval)
		setDuration(&config.Sweeper.Retention, configFile.Sweeper.Retention)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}

	return config, nil
}

// LoadConfigWithPrecedence resolves configuration as file > environment >
// defaults. File errors are ignored so environment/defaults still work.
func LoadConfigWithPrecedence(filepath string) *Config {
	config := LoadFromEnv()

	if filepath != "" {
		if fileConfig, err := LoadFromFile(filepath); err == nil {
			config = fileConfig
		}
	}

	return config
}

func setDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}
