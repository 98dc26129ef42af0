package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `device:
  id: "esp32-042"
  label: "Court 3"
hardware:
  type: "sim"
  conf:
    jam_probability: 0.1
dispenser:
  servo_open_angle: 60
  servo_settle: "300ms"
  initial_ball_count: 0
  low_ball_threshold: 5
reporter:
  status_interval: "5s"
channel:
  type: "mqtt"
  conf:
    broker: "tcp://localhost:1883"
  reconnect_interval: "1s"
metrics:
  sinks:
    - type: "nop"
  prometheus_addr: ":9102"
journal:
  enabled: true
  backend: "sqlite"
  path: "journal.db"
sentry:
  environment: "bench"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "esp32-042", cfg.Device.ID)
	assert.Equal(t, "Court 3", cfg.Device.Label)
	assert.Equal(t, "sim", cfg.Hardware.Module().Type)
	assert.Equal(t, 0.1, cfg.Hardware.Conf["jam_probability"])
	assert.Equal(t, 60, cfg.Dispenser.OpenAngle)
	assert.Equal(t, 300*time.Millisecond, cfg.Dispenser.Settle)
	require.NotNil(t, cfg.Dispenser.InitialBallCount)
	assert.Equal(t, 0, *cfg.Dispenser.InitialBallCount, "explicit zero inventory is kept")
	assert.Equal(t, 5, *cfg.Dispenser.LowBallThreshold)
	assert.Equal(t, 3*time.Second, cfg.Dispenser.DispenseTimeout)
	assert.Equal(t, 5*time.Second, cfg.Reporter.StatusInterval)
	assert.Equal(t, 200*time.Millisecond, cfg.Reporter.SensorCheckInterval)
	assert.Equal(t, "mqtt", cfg.Channel.Module().Type)
	assert.Equal(t, "tcp://localhost:1883", cfg.Channel.Conf["broker"])
	assert.Equal(t, time.Second, cfg.Channel.ReconnectInterval)
	require.Len(t, cfg.Metrics.Sinks, 1)
	assert.Equal(t, "nop", cfg.Metrics.Sinks[0].Type)
	assert.Equal(t, ":9102", cfg.Metrics.PrometheusAddr)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, "sqlite", cfg.Journal.Backend)
	assert.Equal(t, "bench", cfg.Sentry.Environment)
	assert.Equal(t, "esp32-042", cfg.Sentry.DeviceID)
}

func TestLoadDefaultsAndEnv(t *testing.T) {
	t.Setenv("K_DEVICE__ID", "esp32-env")
	t.Setenv("K_CHANNEL__CONF__URL", "ws://hub:9000/ws")
	t.Setenv("K_LOG__LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "esp32-env", cfg.Device.ID)
	assert.Equal(t, "websocket", cfg.Channel.Type)
	assert.Equal(t, "ws://hub:9000/ws", cfg.Channel.Conf["url"])
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 90, cfg.Dispenser.OpenAngle)
	assert.Equal(t, 200*time.Millisecond, cfg.Dispenser.Settle)
	assert.Equal(t, 20, *cfg.Dispenser.InitialBallCount)
	assert.Equal(t, 3, *cfg.Dispenser.LowBallThreshold)
	assert.Equal(t, 3*time.Second, cfg.Channel.ReconnectInterval)
	assert.Equal(t, 10*time.Millisecond, cfg.Dispenser.PollInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Dispenser.ClearanceDelay)
	assert.Equal(t, 5, cfg.Gate.BaselineSamples)
	assert.Equal(t, 500*time.Millisecond, cfg.Gate.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Console.AckTimeout)
	assert.Equal(t, 50, cfg.Console.HistorySize)
	assert.False(t, cfg.Journal.Enabled)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(bad, []byte(""), 0o644))
	_, err := Load(bad)
	assert.Error(t, err)

	angle := filepath.Join(dir, "angle.json")
	require.NoError(t, os.WriteFile(angle, []byte(`{"dispenser":{"servo_open_angle":270}}`), 0o644))
	_, err = Load(angle)
	assert.Error(t, err)

	backend := filepath.Join(dir, "journal.yaml")
	require.NoError(t, os.WriteFile(backend, []byte("journal:\n  enabled: true\n  backend: csv\n"), 0o644))
	_, err = Load(backend)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
