package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arnisz/UniversalPressureController/internal/bus"
	"github.com/arnisz/UniversalPressureController/internal/channel"
	"github.com/arnisz/UniversalPressureController/internal/instrument"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	chans := cfg.BuildChannels()
	require.Len(t, chans, 2)
	assert.Equal(t, 1, chans[0].ID)
	assert.Equal(t, "bar", chans[0].Unit)
	assert.Equal(t, channel.Idle, chans[0].Status)

	cc := cfg.ControlConfig()
	assert.Equal(t, 500*time.Millisecond, cc.PollInterval)
	assert.Equal(t, 5*time.Second, cc.VentGrace)
	assert.Equal(t, 5*time.Second, cfg.BusOptions().Timeout)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollIntervalMs = 0
	cfg.Channels[0].Min = 5
	cfg.Channels[0].Max = 1
	cfg.Channels[1].ID = 1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll_interval_ms")
	assert.Contains(t, err.Error(), "min 5.000 > max 1.000")
	assert.Contains(t, err.Error(), "duplicate id 1")
}

func TestBuildChannelsSkipsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels[0].Enabled = false
	cfg.Channels[1].Unit = ""
	cfg.Channels[1].DefaultSetpoint = 50

	chans := cfg.BuildChannels()
	require.Len(t, chans, 1)
	assert.Equal(t, 2, chans[0].ID)
	assert.Equal(t, "bar", chans[0].Unit)
	assert.Equal(t, 10.0, chans[0].Setpoint(), "default setpoint is clamped")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BUS_ADDRESS", "sim://")
	t.Setenv("BUS_TIMEOUT_MS", "250")
	t.Setenv("POLL_INTERVAL_MS", "100")
	t.Setenv("LOG_COMMUNICATION", "yes")
	t.Setenv("MQTT_ENABLED", "1")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, "sim://", cfg.Address())
	assert.Equal(t, 250*time.Millisecond, cfg.BusOptions().Timeout)
	assert.Equal(t, 100*time.Millisecond, cfg.ControlConfig().PollInterval)
	assert.True(t, cfg.Logging.Communication)
	assert.True(t, cfg.MQTT.Enabled)
}

func TestLoadConfigFallsBackOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_interval_ms: -1\n"), 0644))

	cfg := LoadConfig(path)
	assert.Equal(t, 500, cfg.PollIntervalMs)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := LoadConfig(path)
	cfg.SetAddress("tcp://10.0.0.5:5025")
	cfg.StoreSetpoints([]channel.Snapshot{{ID: 2, Setpoint: 7.5}})
	require.NoError(t, cfg.Save())

	loaded := LoadConfig(path)
	assert.Equal(t, "tcp://10.0.0.5:5025", loaded.Address())
	require.Len(t, loaded.Channels, 2)
	assert.Equal(t, 1.0, loaded.Channels[0].DefaultSetpoint)
	assert.Equal(t, 7.5, loaded.Channels[1].DefaultSetpoint)
}

func TestUpdateFromJSONMerges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT.Password = "secret"

	require.NoError(t, cfg.UpdateFromJSON([]byte(`{"bus":{"address":"sim://"},"mqtt":{"enabled":true}}`)))
	assert.Equal(t, "sim://", cfg.Bus.Address)
	assert.Equal(t, bus.DefaultBaudRate, cfg.Bus.BaudRate, "untouched fields are preserved")
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "secret", cfg.MQTT.Password)
}

func TestUpdateFromJSONRollsBackInvalid(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.UpdateFromJSON([]byte(`{"pollIntervalMs":0,"bus":{"address":"sim://"}}`))
	require.Error(t, err)
	assert.Equal(t, 500, cfg.PollIntervalMs)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Bus.Address)
	assert.Len(t, cfg.Channels, 2)

	require.Error(t, cfg.UpdateFromJSON([]byte(`{not json`)))
}

func TestUpdateFromJSONRollsBackTypeError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MQTT.Password = "secret"

	err := cfg.UpdateFromJSON([]byte(`{"bus":{"address":"sim://"},"channels":[{"id":2,"name":"X"}],"pollIntervalMs":"x"}`))
	require.Error(t, err)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Bus.Address)
	assert.Equal(t, 500, cfg.PollIntervalMs)
	require.Len(t, cfg.Channels, 2)
	assert.Equal(t, "Kanal 1", cfg.Channels[0].Name)
	assert.Equal(t, "secret", cfg.MQTT.Password)
}

func TestValidateRejectsUnaddressableChannel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Channels[1].ID = 3

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, instrument.ErrInvalidChannel)
	assert.Contains(t, err.Error(), "channels[1]")
}
