package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/litime-dash/internal/bms"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "demo", cfg.BMS.Type)
	assert.Equal(t, bms.ReadCharacteristic, cfg.BMS.ReadChar)
	assert.Equal(t, bms.WriteCharacteristic, cfg.BMS.WriteChar)
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
bms:
  type: litime
  transport: serial
  address: "C8:47:80:12:34:56"
  port_path: /dev/ttyAMA0
  poll_ms: 5000
  estimator:
    stale_after_s: 25
server:
  listen_addr: ":9090"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg := LoadConfig(path)
	assert.Equal(t, "litime", cfg.BMS.Type)
	assert.Equal(t, "serial", cfg.BMS.Transport)
	assert.Equal(t, "C8:47:80:12:34:56", cfg.BMS.Address)
	assert.Equal(t, "/dev/ttyAMA0", cfg.BMS.PortPath)
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.Equal(t, ":9090", cfg.Server.ListenAddr)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, 9600, cfg.BMS.BaudRate)
	assert.Equal(t, 5, cfg.BMS.Estimator.ConfirmAfterS)

	dc := cfg.DriverConfig()
	assert.Equal(t, "C8:47:80:12:34:56", dc.Bridge.Address)
	assert.Equal(t, 25*time.Second, dc.Estimator.StaleAfter)
	assert.Equal(t, 5*time.Second, dc.Estimator.ConfirmAfter)
	assert.Equal(t, 1500*time.Millisecond, dc.Bridge.ExchangeTimeout)
	assert.Equal(t, 90*time.Second, dc.Bridge.ConnectTimeout)
	assert.InDelta(t, 3.65, dc.MaxCellVoltage, 1e-9)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Equal(t, DefaultConfig().BMS, cfg.BMS)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BMS_TYPE", "litime")
	t.Setenv("BMS_ADDRESS", "AA:BB:CC:DD:EE:FF")
	t.Setenv("BMS_POLL_MS", "1000")
	t.Setenv("BMS_BAUD", "not-a-number")
	t.Setenv("LOG_ENABLED", "yes")

	cfg := LoadConfig(filepath.Join(t.TempDir(), "config.yaml"))
	assert.Equal(t, "litime", cfg.BMS.Type)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.BMS.Address)
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, 9600, cfg.BMS.BaudRate)
	assert.True(t, cfg.Logging.Enabled)
}

func TestEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("# comment\nBMS_PORT=\"/dev/ttyS3\"\nLISTEN_ADDR=:7070\n"), 0644))
	t.Setenv("BMS_PORT", "")
	t.Setenv("LISTEN_ADDR", "")

	cfg := LoadConfig(filepath.Join(dir, "config.yaml"))
	assert.Equal(t, "/dev/ttyS3", cfg.BMS.PortPath)
	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
}

func TestUpdateFromJSONDeepMerge(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.UpdateFromJSON([]byte(`{"bms":{"estimator":{"marginA":5}},"display":{"units":{"temperature":"F"}}}`))
	require.NoError(t, err)

	assert.InDelta(t, 5.0, cfg.BMS.Estimator.MarginA, 1e-9)
	assert.Equal(t, 120, cfg.BMS.Estimator.StaleAfterS)
	assert.Equal(t, "F", cfg.Display.Units.Temperature)
	assert.Equal(t, 2000, cfg.BMS.PollMs)

	assert.Error(t, cfg.UpdateFromJSON([]byte(`not json`)))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.path = path
	cfg.BMS.Address = "C8:47:80:12:34:56"
	require.NoError(t, cfg.Save())

	loaded := LoadConfig(path)
	assert.Equal(t, cfg.BMS, loaded.BMS)
}
