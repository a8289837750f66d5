package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `json:"server" yaml:"server"`
	Filesystem FilesystemConfig `json:"filesystem" yaml:"filesystem"`
	Memory     MemoryConfig     `json:"memory" yaml:"memory"`
	RateLimit  RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
	Auth       AuthConfig       `json:"auth" yaml:"auth"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`

	envErrs []error
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name         string `json:"name" yaml:"name"`
	Version      string `json:"version" yaml:"version"`
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// FilesystemConfig controls the file sandbox
type FilesystemConfig struct {
	BasePath          string   `json:"base_path" yaml:"base_path"`
	MaxFileSize       int64    `json:"max_file_size" yaml:"max_file_size"`
	AllowedExtensions []string `json:"allowed_extensions" yaml:"allowed_extensions"`
	DenyPatterns      []string `json:"deny_patterns" yaml:"deny_patterns"`
}

// MemoryConfig controls the in-process key-value store and its mirror
type MemoryConfig struct {
	MaxSize           int64  `json:"max_size" yaml:"max_size"`
	DefaultTTL        int    `json:"default_ttl_seconds" yaml:"default_ttl_seconds"`
	SweepInterval     int    `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
	FallbackURL       string `json:"-" yaml:"fallback_url"` // may carry credentials
	FallbackTimeoutMS int    `json:"fallback_timeout_ms" yaml:"fallback_timeout_ms"`
	FallbackPrefix    string `json:"fallback_prefix" yaml:"fallback_prefix"`
}

// RateLimitConfig controls per-identity request budgets
type RateLimitConfig struct {
	Requests      int    `json:"requests" yaml:"requests"`
	WindowSeconds int    `json:"window_seconds" yaml:"window_seconds"`
	Backend       string `json:"backend" yaml:"backend"` // memory or redis
	RedisURL      string `json:"-" yaml:"redis_url"`
}

// AuthConfig controls how HTTP callers are identified
type AuthConfig struct {
	JWTSecret string   `json:"-" yaml:"jwt_secret"`
	JWTIssuer string   `json:"jwt_issuer" yaml:"jwt_issuer"`
	APIKeys   []string `json:"-" yaml:"api_keys"`
	// IdentityHeader is only honored with TrustIdentityHeader set, behind a
	// proxy that strips it from client requests.
	IdentityHeader      string `json:"identity_header" yaml:"identity_header"`
	TrustIdentityHeader bool   `json:"trust_identity_header" yaml:"trust_identity_header"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
	File   string `json:"file" yaml:"file"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:         "mcp-resource-server",
			Version:      "1.0.0",
			Host:         "localhost",
			Port:         8000,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Filesystem: FilesystemConfig{
			BasePath:          "./data",
			MaxFileSize:       10 * 1024 * 1024,
			AllowedExtensions: []string{".txt", ".json", ".yaml", ".yml", ".md", ".log"},
			DenyPatterns:      []string{"*.env", "*.key", "*.pem", "*.p12"},
		},
		Memory: MemoryConfig{
			MaxSize:           256 * 1024 * 1024,
			DefaultTTL:        3600,
			SweepInterval:     60,
			FallbackTimeoutMS: 2000,
			FallbackPrefix:    "mcp:memory:",
		},
		RateLimit: RateLimitConfig{
			Requests:      100,
			WindowSeconds: 60,
			Backend:       "memory",
		},
		Auth: AuthConfig{
			IdentityHeader: "X-Client-ID",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from .env, the file named by
// MCP_CONFIG_FILE (if any) and environment variables, in that order.
func LoadConfig() (*Config, error) {
	return LoadConfigFile(os.Getenv("MCP_CONFIG_FILE"))
}

// LoadConfigFile is LoadConfig with an explicit YAML file. An empty path
// skips the file layer.
func LoadConfigFile(path string) (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := DefaultConfig()

	if path != "" {
		if err := loadFromFile(config, path); err != nil {
			return nil, err
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadFromFile(config *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadFromEnv loads configuration from environment variables. MCP_-prefixed
// names win over the bare names.
func loadFromEnv(config *Config) {
	loadServerConfig(config)
	loadFilesystemConfig(config)
	loadMemoryConfig(config)
	loadRateLimitConfig(config)
	loadAuthConfig(config)
	loadLoggingConfig(config)
}

func loadServerConfig(config *Config) {
	setString(&config.Server.Host, "MCP_HOST", "HOST")
	config.setInt(&config.Server.Port, "MCP_PORT", "PORT")
	config.setInt(&config.Server.ReadTimeout, "MCP_READ_TIMEOUT_SECONDS")
	config.setInt(&config.Server.WriteTimeout, "MCP_WRITE_TIMEOUT_SECONDS")
	setString(&config.Server.Name, "MCP_SERVICE_NAME")
	setString(&config.Server.Version, "MCP_SERVICE_VERSION")
}

func loadFilesystemConfig(config *Config) {
	setString(&config.Filesystem.BasePath, "MCP_FILESYSTEM_BASE_PATH", "FILESYSTEM_BASE_PATH")
	config.setInt64(&config.Filesystem.MaxFileSize, "MCP_FILESYSTEM_MAX_FILE_SIZE", "FILESYSTEM_MAX_FILE_SIZE")
	setList(&config.Filesystem.AllowedExtensions, "MCP_FILESYSTEM_ALLOWED_EXTENSIONS", "FILESYSTEM_ALLOWED_EXTENSIONS")
	setList(&config.Filesystem.DenyPatterns, "MCP_FILESYSTEM_DENY_PATTERNS")
}

func loadMemoryConfig(config *Config) {
	config.setInt64(&config.Memory.MaxSize, "MCP_MEMORY_MAX_SIZE", "MEMORY_MAX_SIZE")
	config.setInt(&config.Memory.DefaultTTL, "MCP_MEMORY_DEFAULT_TTL", "MEMORY_DEFAULT_TTL")
	config.setInt(&config.Memory.SweepInterval, "MCP_MEMORY_SWEEP_INTERVAL")
	setString(&config.Memory.FallbackURL, "MCP_MEMORY_FALLBACK_URL", "REDIS_URL")
	config.setInt(&config.Memory.FallbackTimeoutMS, "MCP_MEMORY_FALLBACK_TIMEOUT_MS")
	setString(&config.Memory.FallbackPrefix, "MCP_MEMORY_FALLBACK_PREFIX")
}

func loadRateLimitConfig(config *Config) {
	config.setInt(&config.RateLimit.Requests, "MCP_RATE_LIMIT_REQUESTS")
	config.setInt(&config.RateLimit.WindowSeconds, "MCP_RATE_LIMIT_WINDOW_SECONDS")
	setString(&config.RateLimit.Backend, "MCP_RATE_LIMIT_BACKEND")
	setString(&config.RateLimit.RedisURL, "MCP_RATE_LIMIT_REDIS_URL")
}

func loadAuthConfig(config *Config) {
	setString(&config.Auth.JWTSecret, "MCP_AUTH_JWT_SECRET")
	setString(&config.Auth.JWTIssuer, "MCP_AUTH_JWT_ISSUER")
	setList(&config.Auth.APIKeys, "MCP_AUTH_API_KEYS")
	setString(&config.Auth.IdentityHeader, "MCP_AUTH_IDENTITY_HEADER")
	config.setBool(&config.Auth.TrustIdentityHeader, "MCP_AUTH_TRUST_IDENTITY_HEADER")
}

func loadLoggingConfig(config *Config) {
	setString(&config.Logging.Level, "MCP_LOG_LEVEL", "LOG_LEVEL")
	setString(&config.Logging.Format, "MCP_LOG_FORMAT", "LOG_FORMAT")
	setString(&config.Logging.File, "MCP_LOG_FILE")
}

// lookup returns the first non-empty variable in keys and its name.
func lookup(keys ...string) (string, string, bool) {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return key, v, true
		}
	}
	return "", "", false
}

func setString(dst *string, keys ...string) {
	if _, v, ok := lookup(keys...); ok {
		*dst = v
	}
}

// Parse failures keep the previous value and are reported by Validate.
func (c *Config) setInt(dst *int, keys ...string) {
	if key, v, ok := lookup(keys...); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.envErrs = append(c.envErrs, fmt.Errorf("%s: not an integer: %q", key, v))
			return
		}
		*dst = n
	}
}

func (c *Config) setInt64(dst *int64, keys ...string) {
	if key, v, ok := lookup(keys...); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.envErrs = append(c.envErrs, fmt.Errorf("%s: not an integer: %q", key, v))
			return
		}
		*dst = n
	}
}

func (c *Config) setBool(dst *bool, keys ...string) {
	if key, v, ok := lookup(keys...); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.envErrs = append(c.envErrs, fmt.Errorf("%s: not a boolean: %q", key, v))
			return
		}
		*dst = b
	}
}

func setList(dst *[]string, keys ...string) {
	_, v, ok := lookup(keys...)
	if !ok {
		return
	}
	items := make([]string, 0)
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	*dst = items
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := errors.Join(c.envErrs...); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server timeouts must be positive")
	}

	if c.Filesystem.BasePath == "" {
		return fmt.Errorf("filesystem base path cannot be empty")
	}
	if c.Filesystem.MaxFileSize <= 0 {
		return fmt.Errorf("filesystem max file size must be positive: %d", c.Filesystem.MaxFileSize)
	}

	if c.Memory.MaxSize <= 0 {
		return fmt.Errorf("memory max size must be positive: %d", c.Memory.MaxSize)
	}
	if c.Memory.DefaultTTL <= 0 {
		return fmt.Errorf("memory default ttl must be positive: %d", c.Memory.DefaultTTL)
	}
	if c.Memory.SweepInterval <= 0 {
		return fmt.Errorf("memory sweep interval must be positive: %d", c.Memory.SweepInterval)
	}
	if c.Memory.FallbackTimeoutMS <= 0 {
		return fmt.Errorf("memory fallback timeout must be positive: %d", c.Memory.FallbackTimeoutMS)
	}

	if c.RateLimit.Requests <= 0 {
		return fmt.Errorf("rate limit requests must be positive: %d", c.RateLimit.Requests)
	}
	if c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate limit window must be positive: %d", c.RateLimit.WindowSeconds)
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			return fmt.Errorf("rate limit redis backend requires a redis url")
		}
	default:
		return fmt.Errorf("invalid rate limit backend: %s", c.RateLimit.Backend)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// Addr returns host:port for the HTTP listener
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetDataDir returns the absolute sandbox root, creating it if necessary
func (c *Config) GetDataDir() (string, error) {
	absPath, err := filepath.Abs(c.Filesystem.BasePath)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path for data directory: %w", err)
	}

	if err := os.MkdirAll(absPath, 0o750); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return absPath, nil
}

func (m MemoryConfig) TTL() time.Duration {
	return time.Duration(m.DefaultTTL) * time.Second
}

func (m MemoryConfig) Sweep() time.Duration {
	return time.Duration(m.SweepInterval) * time.Second
}

func (m MemoryConfig) FallbackTimeout() time.Duration {
	return time.Duration(m.FallbackTimeoutMS) * time.Millisecond
}

func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}
