package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "tariff.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 70.0, cfg.Matcher.ReviewThreshold, 0.001)
	assert.InDelta(t, 90.0, cfg.Matcher.AutoAcceptThreshold, 0.001)
	assert.InDelta(t, 0.25, cfg.Matcher.FuzzyMinSimilarity, 0.001)
	assert.Equal(t, 8, cfg.Batch.MaxConcurrentItems)
	assert.Equal(t, "feeds", cfg.Refsync.FeedDir)
	assert.InDelta(t, 2000.0, cfg.Refsync.RecordsPerSec, 0.001)
	assert.Equal(t, "taric", cfg.Refsync.DefaultSource)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost:5432/tariff
matcher:
  review_threshold: 75
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost:5432/tariff", cfg.Store.DatabaseURL)
	assert.InDelta(t, 75.0, cfg.Matcher.ReviewThreshold, 0.001)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched keys keep their defaults.
	assert.InDelta(t, 90.0, cfg.Matcher.AutoAcceptThreshold, 0.001)
}

func TestLoadFromEnv(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("TARIFF_STORE_DRIVER", "postgres")
	t.Setenv("TARIFF_MATCHER_AUTO_ACCEPT_THRESHOLD", "95")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.InDelta(t, 95.0, cfg.Matcher.AutoAcceptThreshold, 0.001)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))

	err := InitLogger(LogConfig{Level: "nope", Format: "json"})
	assert.Error(t, err)
}
