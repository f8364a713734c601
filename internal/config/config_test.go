package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	require.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.ErrorContains(t, err, `TEST_INT_BAD="abc" is not a valid integer`)
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	require.NoError(t, err)
	require.True(t, v)
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	require.ErrorContains(t, err, `TEST_BOOL_BAD="maybe" is not a valid boolean`)
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, v)
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	require.ErrorContains(t, err, `TEST_DUR_BAD="five-seconds" is not a valid duration`)
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 25.0, cfg.LowCutoff)
	require.Equal(t, 85.0, cfg.HighCutoff)
	require.Equal(t, 0.5, cfg.AlphaWeight)
	require.Equal(t, 0.5, cfg.BetaWeight)
	require.Equal(t, 2, cfg.NetworkMaxDepth)
	require.Equal(t, 100, cfg.NetworkMaxNodes)
}

func TestLoadFailsOnInvalidCutoff(t *testing.T) {
	t.Setenv("LOW_CUTOFF", "abc")
	_, err := Load()
	require.ErrorContains(t, err, "LOW_CUTOFF")
	require.ErrorContains(t, err, "abc")
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("STAGE1_TIMEOUT_MS", "abc")
	t.Setenv("KNN_K", "xyz")
	_, err := Load()
	require.Error(t, err)
	got := err.Error()
	require.True(t, strings.Contains(got, "STAGE1_TIMEOUT_MS"))
	require.True(t, strings.Contains(got, "KNN_K"))
}

func TestValidateRejectsInvertedCutoffs(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.LowCutoff = 90
	cfg.HighCutoff = 10
	require.ErrorContains(t, cfg.Validate(), "LOW_CUTOFF must be less than HIGH_CUTOFF")
}

func TestValidateRejectsBadAlphaBetaSum(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.AlphaWeight = 0.9
	cfg.BetaWeight = 0.9
	require.ErrorContains(t, cfg.Validate(), "must sum to 1")
}

func TestValidateRejectsNetworkMaxDepthOutOfRange(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.NetworkMaxDepth = 5
	require.ErrorContains(t, cfg.Validate(), "NETWORK_MAX_DEPTH")
}

func TestLoad_QdrantURLDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Empty(t, cfg.QdrantURL)

	t.Setenv("QDRANT_URL", "https://qdrant.example.com:6334")
	cfg, err = Load()
	require.NoError(t, err)
	require.Equal(t, "https://qdrant.example.com:6334", cfg.QdrantURL)
}

func TestLoad_AllEnvVarsHonored(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/testdb")
	t.Setenv("LOW_CUTOFF", "20")
	t.Setenv("HIGH_CUTOFF", "80")
	t.Setenv("STAGE2_TIMEOUT_MS", "30000")
	t.Setenv("KNN_K", "10")
	t.Setenv("KNN_CANDIDATES", "200")
	t.Setenv("OTEL_SERVICE_NAME", "fraudcore-test")
	t.Setenv("FRAUDCORE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "postgres://test:test@db:5432/testdb", cfg.DatabaseURL)
	require.Equal(t, 20.0, cfg.LowCutoff)
	require.Equal(t, 80.0, cfg.HighCutoff)
	require.Equal(t, 30000, cfg.Stage2TimeoutMS)
	require.Equal(t, 10, cfg.KNNK)
	require.Equal(t, 200, cfg.KNNCandidates)
	require.Equal(t, "fraudcore-test", cfg.ServiceName)
	require.Equal(t, "debug", cfg.LogLevel)
}
