package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/litime-dash/internal/ble"
	"github.com/shaunagostinho/litime-dash/internal/bms"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Battery link
	BMS BMSConfig `yaml:"bms" json:"bms"`

	// Display preferences
	Display DisplayConfig `yaml:"display" json:"display"`

	// Charge log
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type BMSConfig struct {
	Type      string `yaml:"type" json:"type"`           // "litime" or "demo"
	Transport string `yaml:"transport" json:"transport"` // "ble" or "serial"
	Address   string `yaml:"address" json:"address"`     // peer MAC, e.g. C8:47:80:12:34:56
	ReadChar  string `yaml:"read_char" json:"readChar"`
	WriteChar string `yaml:"write_char" json:"writeChar"`
	PortPath  string `yaml:"port_path" json:"portPath"` // BLE-UART module, serial transport only
	BaudRate  int    `yaml:"baud_rate" json:"baudRate"`
	PollMs    int    `yaml:"poll_ms" json:"pollMs"`

	ExchangeTimeoutMs int `yaml:"exchange_timeout_ms" json:"exchangeTimeoutMs"`
	ConnectTimeoutS   int `yaml:"connect_timeout_s" json:"connectTimeoutS"`
	BackoffMs         int `yaml:"backoff_ms" json:"backoffMs"`

	Estimator EstimatorConfig `yaml:"estimator" json:"estimator"`

	MaxCellVoltage float64 `yaml:"max_cell_voltage" json:"maxCellVoltage"`
	MinCellVoltage float64 `yaml:"min_cell_voltage" json:"minCellVoltage"`
}

// EstimatorConfig tunes the current estimator. The staleness window differs
// between firmware captures (25 s to 120 s).
type EstimatorConfig struct {
	StaleAfterS   int     `yaml:"stale_after_s" json:"staleAfterS"`
	ConfirmAfterS int     `yaml:"confirm_after_s" json:"confirmAfterS"`
	MarginA       float64 `yaml:"margin_a" json:"marginA"`
}

type DisplayConfig struct {
	Units      UnitsConfig     `yaml:"units" json:"units"`
	Thresholds ThresholdConfig `yaml:"thresholds" json:"thresholds"`
}

type UnitsConfig struct {
	Temperature string `yaml:"temperature" json:"temperature"` // "C" or "F"
}

type ThresholdConfig struct {
	SOCWarn      float64 `yaml:"soc_warn" json:"socWarn"`           // %
	SOCDanger    float64 `yaml:"soc_danger" json:"socDanger"`       // %
	CellLow      float64 `yaml:"cell_low" json:"cellLow"`           // V
	CellHigh     float64 `yaml:"cell_high" json:"cellHigh"`         // V
	CellDeltaMax float64 `yaml:"cell_delta_max" json:"cellDeltaMax"` // V
	TempHigh     float64 `yaml:"temp_high" json:"tempHigh"`         // °C
	TempLow      float64 `yaml:"temp_low" json:"tempLow"`           // °C
}

type LoggingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Path     string `yaml:"path" json:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs"` // ms between log entries
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BMS: BMSConfig{
			Type:              "demo",
			Transport:         "ble",
			Address:           "",
			ReadChar:          bms.ReadCharacteristic,
			WriteChar:         bms.WriteCharacteristic,
			PortPath:          "/dev/ttyUSB0",
			BaudRate:          9600,
			PollMs:            2000,
			ExchangeTimeoutMs: 1500,
			ConnectTimeoutS:   90,
			BackoffMs:         1000,
			Estimator: EstimatorConfig{
				StaleAfterS:   120,
				ConfirmAfterS: 5,
				MarginA:       3,
			},
			MaxCellVoltage: 3.65,
			MinCellVoltage: 2.9,
		},
		Display: DisplayConfig{
			Units: UnitsConfig{
				Temperature: "C",
			},
			Thresholds: ThresholdConfig{
				SOCWarn:      30,
				SOCDanger:    15,
				CellLow:      3.0,
				CellHigh:     3.55,
				CellDeltaMax: 0.05,
				TempHigh:     50,
				TempLow:      0,
			},
		},
		Logging: LoggingConfig{
			Enabled:  false,
			Path:     "/var/log/bmsdash",
			Interval: 0,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BMS_TYPE, BMS_TRANSPORT, BMS_ADDRESS, BMS_PORT, BMS_BAUD,
// BMS_POLL_MS, BMS_STALE_AFTER_S, LISTEN_ADDR, TEMP_UNIT, LOG_ENABLED,
// LOG_PATH, LOG_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BMS_TYPE"); v != "" {
		c.BMS.Type = v
	}
	if v := os.Getenv("BMS_TRANSPORT"); v != "" {
		c.BMS.Transport = v
	}
	if v := os.Getenv("BMS_ADDRESS"); v != "" {
		c.BMS.Address = v
	}
	if v := os.Getenv("BMS_PORT"); v != "" {
		c.BMS.PortPath = v
	}
	if v := os.Getenv("BMS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BMS.BaudRate = n
		}
	}
	if v := os.Getenv("BMS_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BMS.PollMs = n
		}
	}
	if v := os.Getenv("BMS_STALE_AFTER_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BMS.Estimator.StaleAfterS = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("TEMP_UNIT"); v != "" {
		c.Display.Units.Temperature = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.Interval = n
		}
	}
}

// PollInterval returns the host poll period.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.BMS.PollMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.BMS.PollMs) * time.Millisecond
}

// DriverConfig translates the battery section into driver configuration.
func (c *Config) DriverConfig() bms.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b := c.BMS
	return bms.Config{
		Bridge: ble.Config{
			Address:         b.Address,
			ReadChar:        b.ReadChar,
			WriteChar:       b.WriteChar,
			ExchangeTimeout: time.Duration(b.ExchangeTimeoutMs) * time.Millisecond,
			ConnectTimeout:  time.Duration(b.ConnectTimeoutS) * time.Second,
			Backoff:         time.Duration(b.BackoffMs) * time.Millisecond,
		},
		Estimator: bms.EstimatorConfig{
			StaleAfter:   time.Duration(b.Estimator.StaleAfterS) * time.Second,
			ConfirmAfter: time.Duration(b.Estimator.ConfirmAfterS) * time.Second,
			Margin:       b.Estimator.MarginA,
		},
		MaxCellVoltage: b.MaxCellVoltage,
		MinCellVoltage: b.MinCellVoltage,
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/bmsdash/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
