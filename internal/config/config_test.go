package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "", cfg.LogFile)
	assert.Equal(t, 256, cfg.QueueSize)
	assert.Empty(t, cfg.Devices)

	// Decoder defaults
	assert.Equal(t, 6, cfg.Decoder.MaxOffset)
	assert.Equal(t, 0, cfg.Decoder.RecordHeaderBits)
	assert.False(t, cfg.Decoder.DropImplausible)
	assert.Equal(t, 10.0, cfg.Decoder.Plausibility.MinVoltage)
	assert.Equal(t, 150.0, cfg.Decoder.Plausibility.MaxVoltage)
	assert.Equal(t, 1000.0, cfg.Decoder.Plausibility.MaxCurrent)

	assert.Equal(t, time.Duration(0), cfg.Tracker.IdleEviction)

	// Gateway defaults
	assert.False(t, cfg.Gateway.Enabled)
	assert.Equal(t, "localhost", cfg.Gateway.Host)
	assert.Equal(t, 1883, cfg.Gateway.Port)
	assert.Equal(t, "victron/ble/+/adv", cfg.Gateway.Topic)

	// API defaults
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "0.0.0.0", cfg.API.Host)
	assert.Equal(t, 8080, cfg.API.Port)
	assert.Equal(t, time.Minute, cfg.API.StaleAfter)

	assert.False(t, cfg.History.Enabled)
	assert.Equal(t, 168*time.Hour, cfg.History.Retention)
	assert.False(t, cfg.Relay.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigWithNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent_config.yaml")

	// Should error when file doesn't exist
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config")
}

func TestLoadConfigWithValidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "test_config.yaml")

	configContent := `
log_level: debug
queue_size: 32
devices:
  - mac: "C0:3B:98:39:E6:FE"
    name: "BMV-712"
    key: "6cb52976b1b82ab4d6bc4d24ee356c1b"
  - mac: "e8:86:01:5d:79:38"
    name: "MPPT"
    key: "7f8689f768ae1cb7018411538ae5fa85"
decoder:
  max_offset: 3
  record_header_bits: 32
  drop_implausible: true
  plausibility:
    min_voltage: 20
    max_voltage: 60
    max_current: 200
tracker:
  idle_eviction: 10m
gateway:
  enabled: true
  host: broker.local
  port: 1884
  topic: "ble/+/victron"
api:
  enabled: false
  port: 9000
  stale_after: 2m
history:
  enabled: true
  path: /tmp/readings.db
  retention: 24h
relay:
  enabled: true
  address: "10.0.0.2:4210"
`
	require.NoError(t, os.WriteFile(configFile, []byte(configContent), 0o600))

	cfg, err := Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 32, cfg.QueueSize)
	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, "C0:3B:98:39:E6:FE", cfg.Devices[0].MAC)
	assert.Equal(t, "BMV-712", cfg.Devices[0].Name)
	assert.Equal(t, "7f8689f768ae1cb7018411538ae5fa85", cfg.Devices[1].Key)

	assert.Equal(t, 3, cfg.Decoder.MaxOffset)
	assert.Equal(t, 32, cfg.Decoder.RecordHeaderBits)
	assert.True(t, cfg.Decoder.DropImplausible)
	assert.Equal(t, 20.0, cfg.Decoder.Plausibility.MinVoltage)
	assert.Equal(t, 60.0, cfg.Decoder.Plausibility.MaxVoltage)
	assert.Equal(t, 200.0, cfg.Decoder.Plausibility.MaxCurrent)
	assert.Equal(t, 10*time.Minute, cfg.Tracker.IdleEviction)

	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, "broker.local", cfg.Gateway.Host)
	assert.Equal(t, 1884, cfg.Gateway.Port)
	assert.Equal(t, "ble/+/victron", cfg.Gateway.Topic)

	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, 9000, cfg.API.Port)
	assert.Equal(t, "0.0.0.0", cfg.API.Host, "unset keys keep defaults")
	assert.Equal(t, 2*time.Minute, cfg.API.StaleAfter)

	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, "/tmp/readings.db", cfg.History.Path)
	assert.Equal(t, 24*time.Hour, cfg.History.Retention)
	assert.True(t, cfg.Relay.Enabled)
	assert.Equal(t, "10.0.0.2:4210", cfg.Relay.Address)
}

func TestLoadConfigWithInvalidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "bad.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("decoder: [unclosed"), 0o600))

	_, err := Load(configFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config")
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "invalid.yaml")
	configContent := `
decoder:
  max_offset: -1
  record_header_bits: 12
  plausibility:
    min_voltage: 200
    max_voltage: 100
`
	require.NoError(t, os.WriteFile(configFile, []byte(configContent), 0o600))

	_, err := Load(configFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_offset")
	assert.Contains(t, err.Error(), "record_header_bits")
	assert.Contains(t, err.Error(), "min_voltage")
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 0
	assert.ErrorContains(t, cfg.Validate(), "queue_size")

	cfg = DefaultConfig()
	cfg.Tracker.IdleEviction = -time.Second
	assert.ErrorContains(t, cfg.Validate(), "idle_eviction")

	cfg = DefaultConfig()
	cfg.Decoder.Plausibility.MaxCurrent = -1
	assert.ErrorContains(t, cfg.Validate(), "max_current")
}

func TestEnvironmentOverride(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "env.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("log_level: info\n"), 0o600))

	t.Setenv("VICTRON_LOG_LEVEL", "trace")

	cfg, err := Load(configFile)
	require.NoError(t, err)
	assert.Equal(t, "trace", cfg.LogLevel)
}

func TestPrintDoesNotPanic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Devices = []DeviceConfig{{MAC: "C0:3B:98:39:E6:FE", Name: "BMV", Key: "x"}}
	cfg.Gateway.Enabled = true
	cfg.History.Enabled = true
	cfg.Relay.Enabled = true
	cfg.Replay.File = "capture.txt"

	assert.NotPanics(t, cfg.Print)
}
