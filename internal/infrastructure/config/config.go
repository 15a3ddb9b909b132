package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for all environment variable overrides.
const EnvPrefix = "ESPHOME_CLIMATE_"

// Config is the root configuration structure for the ESPHome climate bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	ESPHome   ESPHomeConfig   `yaml:"esphome"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	HomeKit   HomeKitConfig   `yaml:"homekit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Devices   []DeviceConfig  `yaml:"devices"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetentionDays bounds device_state_history and audit_log. 0 disables pruning.
	HistoryRetentionDays int `yaml:"history_retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
// The same broker carries both the ESPHome node topics and the host bus.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// ESPHomeConfig contains settings for the climate bridge plugin.
type ESPHomeConfig struct {
	// DiscoveryPrefix is the Home Assistant discovery prefix ESPHome nodes publish under.
	DiscoveryPrefix string `yaml:"discovery_prefix"`

	// TemperatureUnit is the unit setpoints are shown and entered in: "F" or "C".
	TemperatureUnit string `yaml:"temperature_unit"`

	// Debug enables debug logging for the plugin (the debugEnabled pref).
	Debug bool `yaml:"debug"`

	// CommandDelayMS is the debounce window before a command is sent to the node.
	CommandDelayMS int `yaml:"command_delay_ms"`

	// DiscoverySettleMS is how long to collect retained discovery documents on connect.
	DiscoverySettleMS int `yaml:"discovery_settle_ms"`

	// ConnectTimeout is the per-attempt connection timeout in seconds.
	ConnectTimeout int `yaml:"connect_timeout"`

	// Reconnect backoff bounds in seconds.
	ReconnectInitialDelay int `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     int `yaml:"reconnect_max_delay"`

	// HealthInterval is how often bridge health is published, in seconds.
	HealthInterval int `yaml:"health_interval"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// HomeKitConfig contains HomeKit accessory settings.
type HomeKitConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Pin         string `yaml:"pin"`
	StoragePath string `yaml:"storage_path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings. An empty secret disables API authentication.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// DeviceConfig seeds a climate device on first start.
// Devices already in the database are left untouched.
type DeviceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Transport is "native" (the default) or "mqtt".
	Transport string `yaml:"transport"`
	Address   string `yaml:"address"`
	Port      string `yaml:"port"`
	Node      string `yaml:"node"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	PSK       string `yaml:"psk"`
}

// Props returns the device configuration as host plugin props.
func (d DeviceConfig) Props() map[string]string {
	return map[string]string{
		"transport": d.Transport,
		"address":   d.Address,
		"port":      d.Port,
		"node":      d.Node,
		"username":  d.Username,
		"password":  d.Password,
		"psk":       d.PSK,
	}
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables, including any loaded from .env (override file values)
//
// Environment variables follow the pattern: ESPHOME_CLIMATE_SECTION_KEY
// For example: ESPHOME_CLIMATE_DATABASE_PATH, ESPHOME_CLIMATE_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadEnvFile loads KEY=value pairs from a dotenv file into the process
// environment. Variables already set are not overwritten. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "ESPHome Climate",
		},
		Database: DatabaseConfig{
			Path:                 "./data/esphome-climate.db",
			WALMode:              true,
			BusyTimeout:          5,
			HistoryRetentionDays: 30,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "esphome-climate",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		ESPHome: ESPHomeConfig{
			DiscoveryPrefix:       "homeassistant",
			TemperatureUnit:       "F",
			CommandDelayMS:        1000,
			DiscoverySettleMS:     1500,
			ConnectTimeout:        10,
			ReconnectInitialDelay: 1,
			ReconnectMaxDelay:     60,
			HealthInterval:        30,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		HomeKit: HomeKitConfig{
			Pin:         "00102003",
			StoragePath: "./data/homekit",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv(EnvPrefix + "DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv(EnvPrefix + "MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv(EnvPrefix + "MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv(EnvPrefix + "MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv(EnvPrefix + "MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// ESPHome
	if v := os.Getenv(EnvPrefix + "TEMPERATURE_UNIT"); v != "" {
		cfg.ESPHome.TemperatureUnit = v
	}
	if v := os.Getenv(EnvPrefix + "DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ESPHome.Debug = b
		}
	}

	// API
	if v := os.Getenv(EnvPrefix + "API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv(EnvPrefix + "INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// HomeKit
	if v := os.Getenv(EnvPrefix + "HOMEKIT_PIN"); v != "" {
		cfg.HomeKit.Pin = v
	}

	// Security
	if v := os.Getenv(EnvPrefix + "JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.HistoryRetentionDays < 0 {
		errs = append(errs, "database.history_retention_days must not be negative")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	switch strings.ToUpper(c.ESPHome.TemperatureUnit) {
	case "F", "C":
	default:
		errs = append(errs, "esphome.temperature_unit must be F or C")
	}
	if c.ESPHome.DiscoveryPrefix == "" {
		errs = append(errs, "esphome.discovery_prefix is required")
	}
	if c.ESPHome.CommandDelayMS < 0 {
		errs = append(errs, "esphome.command_delay_ms must not be negative")
	}
	if c.ESPHome.ReconnectInitialDelay < 1 || c.ESPHome.ReconnectMaxDelay < c.ESPHome.ReconnectInitialDelay {
		errs = append(errs, "esphome.reconnect delays must be positive and max >= initial")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if c.HomeKit.Enabled && len(c.HomeKit.Pin) != 8 {
		errs = append(errs, "homekit.pin must be 8 digits")
	}

	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters when set")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Sprintf("devices[%d].id is required", i))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("devices[%d].id %q is duplicated", i, d.ID))
		}
		seen[d.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// FahrenheitUI reports whether setpoints are shown in Fahrenheit.
func (c *Config) FahrenheitUI() bool {
	return strings.EqualFold(c.ESPHome.TemperatureUnit, "F")
}

// CommandDelay returns the command debounce window as a Duration.
func (c *Config) CommandDelay() time.Duration {
	return time.Duration(c.ESPHome.CommandDelayMS) * time.Millisecond
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// String returns a summary of the configuration with secrets redacted.
func (c *Config) String() string {
	return fmt.Sprintf("site=%s db=%s mqtt=%s:%d unit=%s api=%t influx=%t homekit=%t devices=%d jwt=%s",
		c.Site.ID, c.Database.Path, c.MQTT.Broker.Host, c.MQTT.Broker.Port,
		strings.ToUpper(c.ESPHome.TemperatureUnit), c.API.Enabled, c.InfluxDB.Enabled,
		c.HomeKit.Enabled, len(c.Devices), redact(c.Security.JWT.Secret))
}

func redact(s string) string {
	if s == "" {
		return "<unset>"
	}
	return "<redacted>"
}
