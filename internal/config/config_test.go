package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, "postgres", cfg.Storage)
	require.NotEmpty(t, cfg.DatabaseURL)
	require.NotEmpty(t, cfg.JWTSecret)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("EXCHANGE_LISTEN_ADDR", ":9999")
	t.Setenv("EXCHANGE_JWT_SECRET", "from-env")
	t.Setenv("EXCHANGE_STORAGE", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.ListenAddr)
	require.Equal(t, "from-env", cfg.JWTSecret)
	require.Equal(t, "memory", cfg.Storage)
}

func TestLoadRejectsUnknownStorage(t *testing.T) {
	t.Setenv("EXCHANGE_STORAGE", "cassandra")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "cassandra")
}
