package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, "8083", cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "chat", cfg.NATSSubjectPrefix)
	assert.True(t, cfg.Development())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORE_DRIVER", "redis")
	t.Setenv("REDIS_ADDR", "cache:6379")
	t.Setenv("REDIS_BLOCK", "2s")
	t.Setenv("APP_ENV", "production")
	t.Setenv("IDENTITY_GRPC_ADDR", "identity:9090")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.StoreDriver)
	assert.Equal(t, "cache:6379", cfg.RedisAddr)
	assert.Equal(t, 2*time.Second, cfg.RedisBlock)
	assert.False(t, cfg.Development())
	assert.Equal(t, "identity:9090", cfg.IdentityGRPCAddr)
}

func TestValidateProductionNeedsIdentityService(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("IDENTITY_GRPC_ADDR", "")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IDENTITY_GRPC_ADDR")

	cfg := Config{Env: "development", StoreDriver: "memory", WSSendRate: 1, WSSendBurst: 1}
	assert.NoError(t, cfg.Validate())
	cfg.Env = "staging"
	assert.Error(t, cfg.Validate())
}

func TestLoadFromDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("NATS_STREAM=DM_TEST\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("NATS_STREAM") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DM_TEST", cfg.NATSStream)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "firebase")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidatePostgresNeedsDSN(t *testing.T) {
	cfg := Config{Env: "development", StoreDriver: "postgres", WSSendRate: 1, WSSendBurst: 1}
	assert.Error(t, cfg.Validate())

	cfg.DBDSN = "postgres://localhost/chat"
	assert.NoError(t, cfg.Validate())
}
