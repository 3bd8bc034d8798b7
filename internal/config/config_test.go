package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.ListenPort)
	assert.Equal(t, 8443, cfg.SSLListenPort)
	assert.False(t, cfg.EnableSSL)
	assert.False(t, cfg.EnableCache)
	assert.True(t, cfg.EnableKVStore)
	assert.Equal(t, "eventhub", cfg.RedisPrefix)
	assert.Equal(t, int64(1000), cfg.MaxCacheLength)
	assert.Equal(t, int64(100), cfg.MaxCacheRequestLimit)
	assert.Equal(t, int64(60), cfg.DefaultCacheTTL)
	assert.Equal(t, 30, cfg.PingInterval)
	assert.Equal(t, "127.0.0.1:6379", cfg.RedisAddr())
	assert.Greater(t, cfg.Workers(), 0)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LISTEN_PORT", "9000")
	t.Setenv("WORKER_THREADS", "4")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("ENABLE_CACHE", "true")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.ListenPort)
	assert.Equal(t, 4, cfg.Workers())
	assert.Equal(t, "redis.internal:6380", cfg.RedisAddr())
	assert.True(t, cfg.EnableCache)
}

func TestValidateJWTSecretRequired(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load(nil)
	assert.Error(t, err)

	t.Setenv("DISABLE_AUTH", "true")
	_, err = Load(nil)
	assert.NoError(t, err, "DISABLE_AUTH waives the secret requirement")
}

func TestValidateListenerRules(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DISABLE_UNSECURE_LISTENER", "true")

	_, err := Load(nil)
	assert.Error(t, err, "disabling the plain listener without SSL leaves no listener")

	t.Setenv("ENABLE_SSL", "true")
	_, err = Load(nil)
	assert.Error(t, err, "SSL requires certificate and key paths")

	t.Setenv("SSL_CERTIFICATE", "/tls/cert.pem")
	t.Setenv("SSL_PRIVATE_KEY", "/tls/key.pem")
	_, err = Load(nil)
	assert.NoError(t, err)
}

func TestValidateRanges(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	t.Setenv("LISTEN_PORT", "0")
	_, err := Load(nil)
	assert.Error(t, err)
	t.Setenv("LISTEN_PORT", "8080")

	t.Setenv("LOG_LEVEL", "verbose")
	_, err = Load(nil)
	assert.Error(t, err)
	t.Setenv("LOG_LEVEL", "debug")

	t.Setenv("LOG_FORMAT", "xml")
	_, err = Load(nil)
	assert.Error(t, err)
}
