package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 5001, cfg.Port)
	assert.Equal(t, "/webhook", cfg.WebhookPath)
	assert.Equal(t, 3, cfg.MaxWorkers)
	assert.Equal(t, 100, cfg.QueueCapacity)
	assert.Equal(t, 10*time.Minute, cfg.LockTimeout)
	assert.Equal(t, "default", cfg.DefaultSessionKey)
	assert.Equal(t, filepath.Join(".", "logs", "screenshots"), cfg.ScreenshotDir)
	assert.Equal(t, filepath.Join(".", "traces"), cfg.TraceDir)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoadPortOverride(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("PORT", 8080)
	v.Set("BASE_DIR", "/srv/guard")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "/srv/guard/sessions", cfg.SessionDir)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoadRejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("MAX_WORKERS", 0)
	v.Set("QUEUE_CAPACITY", 0)
	v.Set("DRIVER", "selenium")

	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_WORKERS")
	assert.Contains(t, err.Error(), "QUEUE_CAPACITY")
	assert.Contains(t, err.Error(), "selenium")
}

func TestNewReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("MAX_WORKERS: 5\nWEBHOOK_PATH: /hooks/guard\n"), 0o644))

	v, err := New(path)
	require.NoError(t, err)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxWorkers)
	assert.Equal(t, "/hooks/guard", cfg.WebhookPath)
}

func TestResolveHeadless(t *testing.T) {
	assert.True(t, resolveHeadless("true"))
	assert.False(t, resolveHeadless("no"))
}
