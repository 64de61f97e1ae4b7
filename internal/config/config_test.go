package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"APP_ENV", "PORT", "STORAGE_DRIVER", "DATABASE_URL", "POSTGRES_ADDR", "POSTGRES_USER",
		"POSTGRES_PASSWORD", "POSTGRES_DB", "JWT_SECRET", "MESSAGE_MAX_LENGTH", "WS_ALLOWED_ORIGINS",
		"RABBITMQ_URL", "RABBIT_URL", "RABBITMQ_EXCHANGE", "RABBIT_EXCHANGE", "CACHE_EVENT_TTL",
		"PENDING_SOFT_CAP",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/invites?sslmode=disable")
}

func TestLoad_Defaults(t *testing.T) {
	baseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.StorageDriver)
	assert.Equal(t, 2000, cfg.MessageMaxLength)
	assert.Equal(t, 5*time.Minute, cfg.CacheEventTTL)
	assert.Equal(t, "city.events", cfg.RabbitExchange)
	assert.False(t, cfg.PendingSoftCap)
	assert.Empty(t, cfg.WSAllowedOrigins)
}

func TestLoad_MissingSecret(t *testing.T) {
	baseEnv(t)
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoad_MissingDatabase(t *testing.T) {
	baseEnv(t)
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing database config")
}

func TestLoad_MemoryDriver_NoDatabaseNeeded(t *testing.T) {
	baseEnv(t)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORAGE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.StorageDriver)
}

func TestLoad_MemoryDriver_RejectedOutsideDev(t *testing.T) {
	baseEnv(t)
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("APP_ENV", "prod")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_InvalidPort(t *testing.T) {
	baseEnv(t)
	t.Setenv("PORT", "70000")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Port")
}

func TestLoad_BuildsPostgresURLAndOrigins(t *testing.T) {
	baseEnv(t)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_ADDR", "db:5432")
	t.Setenv("POSTGRES_USER", "app")
	t.Setenv("POSTGRES_PASSWORD", "p@ss word")
	t.Setenv("POSTGRES_DB", "invites")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://app:p%40ss%20word@db:5432/invites?sslmode=disable", cfg.DBDSN)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WSAllowedOrigins)
}

func TestGetBool_PanicsOnGarbage(t *testing.T) {
	t.Setenv("SOME_FLAG", "perhaps")
	assert.Panics(t, func() { getBool("SOME_FLAG", false) })
}
