package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 200, cfg.Processor.BatchSize)
	assert.Equal(t, 10*time.Second, cfg.Processor.Interval)
	assert.Equal(t, 5*time.Second, cfg.MQTT.ReconnectPeriod)
	assert.Equal(t, 10, cfg.MQTT.MaxReconnectAttempts)
	assert.Equal(t, "payload_then_topic", cfg.Identity.Strategy)
	assert.Equal(t, []string{"devices/+/telemetry", "devices/+/event"}, cfg.MQTT.Topics)
	assert.Equal(t, 250*time.Millisecond, cfg.Mapping.ScriptTimeout)
}

func TestLoad_FileOverridesAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  driver: sqlite
  dsn: file:ingest.db
processor:
  batch_size: 50
  interval: 2s
mqtt:
  max_reconnect_attempts: 3
identity:
  strategy: topic
  topic_segment: -2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("INGEST_PROCESSOR_CONCURRENCY", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 50, cfg.Processor.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Processor.Interval)
	assert.Equal(t, 3, cfg.Processor.Concurrency)
	assert.Equal(t, 3, cfg.MQTT.MaxReconnectAttempts)
	assert.Equal(t, "topic", cfg.Identity.Strategy)
	assert.Equal(t, -2, cfg.Identity.TopicSegment)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: oracle\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
