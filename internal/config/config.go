// Package config loads server configuration from environment variables and
// an optional .env file.
package config

import (
	"fmt"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Listeners
	ListenPort              int  `env:"LISTEN_PORT" envDefault:"8080"`
	SSLListenPort           int  `env:"SSL_LISTEN_PORT" envDefault:"8443"`
	EnableSSL               bool `env:"ENABLE_SSL" envDefault:"false"`
	DisableUnsecureListener bool `env:"DISABLE_UNSECURE_LISTENER" envDefault:"false"`

	// TLS material
	SSLCACertificate     string `env:"SSL_CA_CERTIFICATE"`
	SSLCertificate       string `env:"SSL_CERTIFICATE"`
	SSLPrivateKey        string `env:"SSL_PRIVATE_KEY"`
	SSLCertAutoReload    bool   `env:"SSL_CERT_AUTO_RELOAD" envDefault:"false"`
	SSLCertCheckInterval int    `env:"SSL_CERT_CHECK_INTERVAL" envDefault:"300"` // seconds

	// Workers
	WorkerThreads int `env:"WORKER_THREADS" envDefault:"0"` // 0 = one per CPU

	// Authentication
	JWTSecret   string `env:"JWT_SECRET"`
	DisableAuth bool   `env:"DISABLE_AUTH" envDefault:"false"`

	// Backplane
	RedisHost     string `env:"REDIS_HOST" envDefault:"127.0.0.1"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"eventhub"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"5"`

	// Cache
	EnableCache          bool  `env:"ENABLE_CACHE" envDefault:"false"`
	MaxCacheLength       int64 `env:"MAX_CACHE_LENGTH" envDefault:"1000"`
	MaxCacheRequestLimit int64 `env:"MAX_CACHE_REQUEST_LIMIT" envDefault:"100"`
	DefaultCacheTTL      int64 `env:"DEFAULT_CACHE_TTL" envDefault:"60"` // seconds

	// Connection behavior
	PingInterval     int `env:"PING_INTERVAL" envDefault:"30"`    // seconds
	HandshakeTimeout int `env:"HANDSHAKE_TIMEOUT" envDefault:"5"` // seconds

	// Feature gates
	EnableSSE     bool `env:"ENABLE_SSE" envDefault:"false"`
	EnableKVStore bool `env:"ENABLE_KVSTORE" envDefault:"true"`

	// Metrics
	PrometheusMetricPrefix string `env:"PROMETHEUS_METRIC_PREFIX" envDefault:"eventhub"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.DisableUnsecureListener && !c.EnableSSL {
		return fmt.Errorf("no listener enabled: DISABLE_UNSECURE_LISTENER requires ENABLE_SSL")
	}
	if c.EnableSSL && (c.SSLCertificate == "" || c.SSLPrivateKey == "") {
		return fmt.Errorf("ENABLE_SSL requires SSL_CERTIFICATE and SSL_PRIVATE_KEY")
	}
	if !c.DisableAuth && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required unless DISABLE_AUTH is set")
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("LISTEN_PORT must be 1-65535, got %d", c.ListenPort)
	}
	if c.EnableSSL && (c.SSLListenPort < 1 || c.SSLListenPort > 65535) {
		return fmt.Errorf("SSL_LISTEN_PORT must be 1-65535, got %d", c.SSLListenPort)
	}
	if c.WorkerThreads < 0 {
		return fmt.Errorf("WORKER_THREADS must be >= 0, got %d", c.WorkerThreads)
	}
	if c.MaxCacheLength < 1 {
		return fmt.Errorf("MAX_CACHE_LENGTH must be > 0, got %d", c.MaxCacheLength)
	}
	if c.MaxCacheRequestLimit < 1 {
		return fmt.Errorf("MAX_CACHE_REQUEST_LIMIT must be > 0, got %d", c.MaxCacheRequestLimit)
	}
	if c.PingInterval < 1 {
		return fmt.Errorf("PING_INTERVAL must be > 0, got %d", c.PingInterval)
	}
	if c.HandshakeTimeout < 1 {
		return fmt.Errorf("HANDSHAKE_TIMEOUT must be > 0, got %d", c.HandshakeTimeout)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Workers resolves WORKER_THREADS, defaulting to one per CPU.
func (c *Config) Workers() int {
	if c.WorkerThreads > 0 {
		return c.WorkerThreads
	}
	return runtime.NumCPU()
}

// RedisAddr returns the backplane host:port.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("listen_port", c.ListenPort).
		Int("ssl_listen_port", c.SSLListenPort).
		Bool("enable_ssl", c.EnableSSL).
		Bool("disable_unsecure_listener", c.DisableUnsecureListener).
		Int("worker_threads", c.Workers()).
		Bool("disable_auth", c.DisableAuth).
		Str("redis_addr", c.RedisAddr()).
		Str("redis_prefix", c.RedisPrefix).
		Int("redis_pool_size", c.RedisPoolSize).
		Bool("enable_cache", c.EnableCache).
		Int64("max_cache_length", c.MaxCacheLength).
		Int64("max_cache_request_limit", c.MaxCacheRequestLimit).
		Int64("default_cache_ttl", c.DefaultCacheTTL).
		Int("ping_interval", c.PingInterval).
		Int("handshake_timeout", c.HandshakeTimeout).
		Bool("enable_sse", c.EnableSSE).
		Bool("enable_kvstore", c.EnableKVStore).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
