package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	cfg, err := Load("")
	require.NoError(t, err)

	d := cfg.Document
	assert.Equal(t, 3, d.MaxSearchRounds)
	assert.Equal(t, 8, d.TopK)
	assert.Equal(t, 12000, d.DataTruncateLength)
	assert.Equal(t, 20*time.Second, d.BackendTimeout)
	assert.Equal(t, 15*time.Minute, d.ChapterTimeout)
	assert.Equal(t, 4, d.MaxQueries)
	assert.Equal(t, []GateRule{{MinSources: 3, MinChars: 200}, {MinSources: 2, MinChars: 500}}, d.Gate)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "longform-tasks", cfg.Temporal.TaskQueue)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "longform.yaml")
	writeFile(t, path, `
document:
  max_search_rounds: 5
  backend_timeout: 3s
  gate:
    - min_sources: 1
      min_chars: 10
qdrant:
  collection: papers
`)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DOCUMENT_TOP_K", "12")
	t.Setenv("LLM_SERVICE_URL", "http://llm:8000")
	t.Setenv("POSTGRES_HOST", "db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Document.MaxSearchRounds)
	assert.Equal(t, 3*time.Second, cfg.Document.BackendTimeout)
	assert.Equal(t, []GateRule{{MinSources: 1, MinChars: 10}}, cfg.Document.Gate)
	assert.Equal(t, "papers", cfg.Qdrant.Collection)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 12, cfg.Document.TopK)
	assert.Equal(t, "http://llm:8000", cfg.LLMService.URL)
	assert.Equal(t, "db", cfg.Postgres.Host)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, "document:\n  max_search_rounds: 0\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "max_search_rounds")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestManagerReloadNotifiesHandlers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "longform.yaml")
	writeFile(t, path, "logging:\n  level: info\n")

	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	var seen atomic.Value
	m.OnChange(func(old, updated *Config) {
		seen.Store(old.Logging.Level + "->" + updated.Logging.Level)
	})

	writeFile(t, path, "logging:\n  level: warn\n")
	require.NoError(t, m.Reload())
	assert.Equal(t, "info->warn", seen.Load())
	assert.Equal(t, "warn", m.Current().Logging.Level)

	// A broken file leaves the previous configuration active.
	writeFile(t, path, "document:\n  max_queries: 0\n")
	assert.Error(t, m.Reload())
	assert.Equal(t, "warn", m.Current().Logging.Level)
}

func TestManagerWatchesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "longform.yaml")
	writeFile(t, path, "document:\n  data_truncate_length: 100\n")

	m, err := NewManager(path, zaptest.NewLogger(t))
	require.NoError(t, err)

	var got atomic.Int64
	m.OnChange(func(_, updated *Config) { got.Store(int64(updated.Document.DataTruncateLength)) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()

	writeFile(t, path, "document:\n  data_truncate_length: 250\n")
	assert.Eventually(t, func() bool { return got.Load() == 250 }, 5*time.Second, 20*time.Millisecond)
}
