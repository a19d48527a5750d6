package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_FailsFatalSecretWithoutJWTSecretOutsideDevelopment(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("OMS_DEVELOPMENT_MODE", "false")

	_, code, err := Load()
	require.Error(t, err)
	require.Equal(t, ExitFatalSecret, code)
}

func TestLoad_AllowsMissingSecretInDevelopmentMode(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("OMS_DEVELOPMENT_MODE", "true")

	cfg, code, err := Load()
	require.NoError(t, err)
	require.Equal(t, ExitOK, code)
	require.True(t, cfg.DevelopmentMode)
}

func TestLoad_RejectsInvalidShardCount(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cr3t")
	t.Setenv("OUTBOX_RELAY_SHARDS", "0")

	_, code, err := Load()
	require.Error(t, err)
	require.Equal(t, ExitFatalConfig, code)
}

func TestGetEnvInt_FallsBackOnUnparsable(t *testing.T) {
	t.Setenv("OMS_TEST_INT", "not-a-number")
	require.Equal(t, 42, GetEnvInt("OMS_TEST_INT", 42))
}
