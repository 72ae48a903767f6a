// Package config provides typed configuration loading for the mvChat2 client.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the mvChat2 client.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	HTTP   HTTPConfig   `yaml:"http"`
	Tokens TokensConfig `yaml:"tokens"`
	Cache  CacheConfig  `yaml:"cache"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig describes where the mvChat2 server lives.
type ServerConfig struct {
	// Base WebSocket URL, e.g. wss://chat.example.com
	URL string `yaml:"url"`
	// Base REST URL, e.g. https://chat.example.com
	APIURL string `yaml:"api_url"`
	// Path of the primary socket; namespaces are joined below it.
	WSPath string `yaml:"ws_path"`
	// Namespaces joined automatically after the primary connection.
	Namespaces []string `yaml:"namespaces"`
}

// ClientConfig contains socket and handshake settings.
type ClientConfig struct {
	Version          string `yaml:"version"`
	UserAgent        string `yaml:"user_agent"`
	Lang             string `yaml:"lang"`
	HandshakeTimeout int    `yaml:"handshake_timeout"` // seconds
	WriteTimeout     int    `yaml:"write_timeout"`     // seconds
	PongTimeout      int    `yaml:"pong_timeout"`      // seconds
	MaxMessageSize   int64  `yaml:"max_message_size"`
	SendReceipts     bool   `yaml:"send_receipts"`
}

// HTTPConfig contains REST adapter settings.
type HTTPConfig struct {
	Timeout       int `yaml:"timeout"`        // seconds
	RefreshSkew   int `yaml:"refresh_skew"`   // seconds before expiry to refresh proactively
	RefreshLimit  int `yaml:"refresh_limit"`  // refreshes allowed per window
	RefreshWindow int `yaml:"refresh_window"` // seconds
}

// TokensConfig selects and configures the credential store.
type TokensConfig struct {
	// Backend is "file", "redis" or "memory".
	Backend    string      `yaml:"backend"`
	Path       string      `yaml:"path"`
	Passphrase string      `yaml:"passphrase"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	// Key under the prefix holding this client's credentials.
	Key string `yaml:"key"`
}

// CacheConfig contains the local message cache settings.
type CacheConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Name         string `yaml:"name"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	SQLTimeout   int    `yaml:"sql_timeout"`
}

// DSN returns a PostgreSQL connection string.
func (c *CacheConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&connect_timeout=%d",
		url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Host, c.Port, c.Name, c.SSLMode, c.SQLTimeout,
	)
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Seconds converts a seconds field to a duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config content, applying env expansion, defaults and validation.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

// expandEnvVars expands ${VAR} and ${VAR:default} patterns in the config.
func expandEnvVars(content string) string {
	return envPattern.ReplaceAllStringFunc(content, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		envVar := parts[1]
		defaultVal := ""
		if len(parts) > 2 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(envVar); val != "" {
			return val
		}
		return defaultVal
	})
}

// applyDefaults sets default values for unset fields.
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/v0/ws"
	}
	if c.Server.APIURL == "" && c.Server.URL != "" {
		c.Server.APIURL = httpFromWS(c.Server.URL)
	}
	c.Server.URL = strings.TrimRight(c.Server.URL, "/")
	c.Server.APIURL = strings.TrimRight(c.Server.APIURL, "/")

	// Client defaults
	if c.Client.Version == "" {
		c.Client.Version = "0.1.0"
	}
	if c.Client.UserAgent == "" {
		c.Client.UserAgent = "mvchat2-client"
	}
	if c.Client.Lang == "" {
		c.Client.Lang = "en"
	}
	if c.Client.HandshakeTimeout == 0 {
		c.Client.HandshakeTimeout = 10
	}
	if c.Client.WriteTimeout == 0 {
		c.Client.WriteTimeout = 10
	}
	if c.Client.PongTimeout == 0 {
		c.Client.PongTimeout = 60
	}
	if c.Client.MaxMessageSize == 0 {
		c.Client.MaxMessageSize = 131072 // 128KB
	}

	// HTTP defaults
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = 15
	}
	if c.HTTP.RefreshSkew == 0 {
		c.HTTP.RefreshSkew = 60
	}
	if c.HTTP.RefreshLimit == 0 {
		c.HTTP.RefreshLimit = 5
	}
	if c.HTTP.RefreshWindow == 0 {
		c.HTTP.RefreshWindow = 60
	}

	// Token store defaults
	if c.Tokens.Backend == "" {
		c.Tokens.Backend = "file"
	}
	if c.Tokens.Path == "" {
		c.Tokens.Path = "./mvchat2-credentials.json"
	}
	if c.Tokens.Redis.Prefix == "" {
		c.Tokens.Redis.Prefix = "mvchat2-client:"
	}
	if c.Tokens.Redis.Key == "" {
		c.Tokens.Redis.Key = "credentials"
	}

	// Cache defaults
	if c.Cache.Host == "" {
		c.Cache.Host = "localhost"
	}
	if c.Cache.Port == 0 {
		c.Cache.Port = 5432
	}
	if c.Cache.Name == "" {
		c.Cache.Name = "mvchat2_client"
	}
	if c.Cache.User == "" {
		c.Cache.User = "postgres"
	}
	if c.Cache.SSLMode == "" {
		c.Cache.SSLMode = "disable"
	}
	if c.Cache.MaxOpenConns == 0 {
		c.Cache.MaxOpenConns = 4
	}
	if c.Cache.SQLTimeout == 0 {
		c.Cache.SQLTimeout = 10
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// httpFromWS maps ws:// to http:// and wss:// to https://.
func httpFromWS(u string) string {
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}

// validate checks that required fields are set.
func (c *Config) validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server.url must use ws:// or wss://")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}
	for _, ns := range c.Server.Namespaces {
		if ns == "" || strings.Contains(ns, "/") {
			return fmt.Errorf("server.namespaces: invalid namespace %q", ns)
		}
	}

	switch c.Tokens.Backend {
	case "file":
		if c.Tokens.Passphrase == "" {
			return fmt.Errorf("tokens.passphrase is required for the file backend")
		}
	case "redis":
		if c.Tokens.Redis.Addr == "" {
			return fmt.Errorf("tokens.redis.addr is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("tokens.backend must be one of file, redis, memory")
	}

	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}
	return nil
}
