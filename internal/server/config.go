package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arnisz/UniversalPressureController/internal/bus"
	"github.com/arnisz/UniversalPressureController/internal/channel"
	"github.com/arnisz/UniversalPressureController/internal/control"
	"github.com/arnisz/UniversalPressureController/internal/instrument"
)

// Config holds all controller configuration.
type Config struct {
	mu sync.RWMutex

	// Instrument connection
	Bus BusConfig `yaml:"bus" json:"bus"`

	// Control loop timing
	PollIntervalMs int `yaml:"poll_interval_ms" json:"pollIntervalMs"`
	VentGraceMs    int `yaml:"vent_grace_ms" json:"ventGraceMs"`

	Channels []ChannelConfig `yaml:"channels" json:"channels"`

	// Event log
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	// MQTT bridge
	MQTT MQTTConfig `yaml:"mqtt" json:"mqtt"`

	// Operator console
	Console ConsoleConfig `yaml:"console" json:"console"`

	path string // file path for save/load
}

type BusConfig struct {
	Address     string `yaml:"address" json:"address"` // /dev/ttyUSB0, prologix:///dev/ttyUSB0?gpib=7, tcp://host:5025, sim://
	BaudRate    int    `yaml:"baud_rate" json:"baudRate"`
	TimeoutMs   int    `yaml:"timeout_ms" json:"timeoutMs"`
	AutoConnect bool   `yaml:"auto_connect" json:"autoConnect"`
}

type ChannelConfig struct {
	ID              int     `yaml:"id" json:"id"`
	Name            string  `yaml:"name" json:"name"`
	Min             float64 `yaml:"min" json:"min"`
	Max             float64 `yaml:"max" json:"max"`
	DefaultSetpoint float64 `yaml:"default_setpoint" json:"defaultSetpoint"`
	Unit            string  `yaml:"unit" json:"unit"`
	Enabled         bool    `yaml:"enabled" json:"enabled"`
}

type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	Path          string `yaml:"path" json:"path"`
	Communication bool   `yaml:"communication" json:"communication"` // also record raw bus traffic
	MaxRows       int    `yaml:"max_rows" json:"maxRows"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"` // tcp://host:1883
	ClientID    string `yaml:"client_id" json:"clientId"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"-"`
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"`
	QoS         int    `yaml:"qos" json:"qos"`
}

type ConsoleConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// DefaultConfigPath is used when no config file was given.
const DefaultConfigPath = "/etc/pressurectl/config.yaml"

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Address:     "/dev/ttyUSB0",
			BaudRate:    bus.DefaultBaudRate,
			TimeoutMs:   5000,
			AutoConnect: true,
		},
		PollIntervalMs: 500,
		VentGraceMs:    5000,
		Channels: []ChannelConfig{
			{ID: 1, Name: "Kanal 1", Min: 0, Max: 10, DefaultSetpoint: 1, Unit: "bar", Enabled: true},
			{ID: 2, Name: "Kanal 2", Min: 0, Max: 10, DefaultSetpoint: 1, Unit: "bar", Enabled: true},
		},
		Logging: LoggingConfig{
			Enabled:       false,
			Path:          "/var/log/pressurectl",
			Communication: false,
			MaxRows:       100_000,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Broker:      "tcp://localhost:1883",
			ClientID:    "pressurectl",
			TopicPrefix: "pressurectl",
			QoS:         1,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found or invalid.
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

	if err := cfg.Validate(); err != nil {
		log.Printf("[config] invalid configuration: %v, using defaults", err)
		def := DefaultConfig()
		def.path = path
		return def
	}
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
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BUS_ADDRESS, BUS_BAUD, BUS_TIMEOUT_MS, BUS_AUTO_CONNECT,
// POLL_INTERVAL_MS, VENT_GRACE_MS, LISTEN_ADDR, LOG_ENABLED, LOG_PATH,
// LOG_COMMUNICATION, MQTT_ENABLED, MQTT_BROKER, MQTT_USERNAME, MQTT_PASSWORD
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BUS_ADDRESS"); v != "" {
		c.Bus.Address = v
	}
	if v := os.Getenv("BUS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.BaudRate = n
		}
	}
	if v := os.Getenv("BUS_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.TimeoutMs = n
		}
	}
	if v := os.Getenv("BUS_AUTO_CONNECT"); v != "" {
		c.Bus.AutoConnect = envBool(v)
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PollIntervalMs = n
		}
	}
	if v := os.Getenv("VENT_GRACE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.VentGraceMs = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = envBool(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_COMMUNICATION"); v != "" {
		c.Logging.Communication = envBool(v)
	}
	// MQTT
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = envBool(v)
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
}

// Validate checks channel bounds, ids and timing.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validate()
}

func (c *Config) validate() error {
	var errs []error
	if c.PollIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval_ms must be > 0, got %d", c.PollIntervalMs))
	}
	if c.VentGraceMs <= 0 {
		errs = append(errs, fmt.Errorf("vent_grace_ms must be > 0, got %d", c.VentGraceMs))
	}
	if c.Bus.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("bus.timeout_ms must be > 0, got %d", c.Bus.TimeoutMs))
	}
	seen := make(map[int]bool)
	for i, ch := range c.Channels {
		if _, err := instrument.Address(ch.ID); err != nil {
			errs = append(errs, fmt.Errorf("channels[%d]: %w", i, err))
		}
		if seen[ch.ID] {
			errs = append(errs, fmt.Errorf("channels[%d]: duplicate id %d", i, ch.ID))
		}
		seen[ch.ID] = true
		if ch.Min > ch.Max {
			errs = append(errs, fmt.Errorf("channels[%d]: min %.3f > max %.3f", i, ch.Min, ch.Max))
		}
	}
	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// BuildChannels creates one idle channel per enabled entry.
func (c *Config) BuildChannels() []*channel.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*channel.Channel
	for _, ch := range c.Channels {
		if !ch.Enabled {
			continue
		}
		unit := ch.Unit
		if unit == "" {
			unit = "bar"
		}
		out = append(out, channel.New(ch.ID, ch.Name, ch.Min, ch.Max, ch.DefaultSetpoint, unit))
	}
	return out
}

// BusOptions returns the session options for the configured bus.
func (c *Config) BusOptions() bus.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return bus.Options{
		BaudRate: c.Bus.BaudRate,
		Timeout:  time.Duration(c.Bus.TimeoutMs) * time.Millisecond,
	}
}

// ControlConfig returns the poll and vent timing.
func (c *Config) ControlConfig() control.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return control.Config{
		PollInterval: time.Duration(c.PollIntervalMs) * time.Millisecond,
		VentGrace:    time.Duration(c.VentGraceMs) * time.Millisecond,
	}
}

// Address returns the configured bus address.
func (c *Config) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Bus.Address
}

// SetAddress changes the bus address used by later connects.
func (c *Config) SetAddress(addr string) {
	c.mu.Lock()
	c.Bus.Address = addr
	c.mu.Unlock()
}

// StoreSetpoints records the current channel setpoints as defaults.
func (c *Config) StoreSetpoints(snaps []channel.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range snaps {
		for i := range c.Channels {
			if c.Channels[i].ID == s.ID {
				c.Channels[i].DefaultSetpoint = s.Setpoint
			}
		}
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultConfigPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. Channel changes take effect after a restart.
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
	password := c.MQTT.Password
	restore := func(cause error) error {
		c.Channels = nil
		if rerr := json.Unmarshal(currentBytes, c); rerr != nil {
			return fmt.Errorf("restore config: %w", rerr)
		}
		c.MQTT.Password = password
		return cause
	}

	if err := json.Unmarshal(merged, c); err != nil {
		return restore(fmt.Errorf("apply patch: %w", err))
	}
	// never sent over the API, so never part of the patch
	c.MQTT.Password = password

	if err := c.validate(); err != nil {
		return restore(err)
	}
	return nil
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
