package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitewatch/internal/model"
)

func TestLoadWritesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m := NewManager(path)
	require.NoError(t, m.LoadOrDefault())

	cfg := m.Get()
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, DefaultDBDriver, cfg.Database.Driver)
	assert.Equal(t, DefaultWorkers, cfg.Scheduler.Workers)
	assert.Equal(t, DefaultAutoRemoveThreshold, cfg.Scheduler.AutoRemoveThreshold)
	assert.Equal(t, "5s", cfg.Scheduler.PollInterval)
	assert.Equal(t, 587, cfg.SMTP.Port)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadNormalizesFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw, err := json.Marshal(model.Config{
		Scheduler: model.SchedulerConfig{Workers: 3, PollInterval: "soon", RetryBase: "500ms"},
		SMTP:      model.SMTPConfig{Username: "alerts@example.com"},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0600))

	m := NewManager(path)
	require.NoError(t, m.LoadOrDefault())
	cfg := m.Get()
	assert.Equal(t, 3, cfg.Scheduler.Workers)
	assert.Equal(t, "5s", cfg.Scheduler.PollInterval)
	assert.Equal(t, 500*time.Millisecond, Duration(cfg.Scheduler.RetryBase, DefaultRetryBase))
	assert.Equal(t, "alerts@example.com", cfg.SMTP.From)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0600))
	assert.Error(t, NewManager(path).LoadOrDefault())
}

func TestEnvOverridesAreNotPersisted(t *testing.T) {
	t.Setenv("SITEWATCH_SMTP_PASSWORD", "from-env")
	t.Setenv("SITEWATCH_WORKERS", "16")
	path := filepath.Join(t.TempDir(), "config.json")

	m := NewManager(path)
	require.NoError(t, m.LoadOrDefault())
	assert.Equal(t, "from-env", m.Get().SMTP.Password)
	assert.Equal(t, 16, m.Get().Scheduler.Workers)

	require.NoError(t, m.Update(func(c *model.Config) { c.Log.Level = "debug" }))
	assert.Equal(t, "debug", m.Get().Log.Level)
	assert.Equal(t, "from-env", m.Get().SMTP.Password)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "from-env")
	assert.Contains(t, string(data), `"debug"`)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, time.Minute, Duration("1m", time.Second))
	assert.Equal(t, time.Second, Duration("", time.Second))
	assert.Equal(t, time.Second, Duration("-1m", time.Second))
}
