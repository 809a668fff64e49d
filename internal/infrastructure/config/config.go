package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by history.backend.
const (
	BackendInfluxDB = "influxdb"
	BackendTSDB     = "tsdb"
)

// Config is the root configuration structure for the Gray Logic historian.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	TSDB     TSDBConfig     `yaml:"tsdb"`
	History  HistoryConfig  `yaml:"history"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite settings for the policy store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
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

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	Timeouts    APITimeoutConfig `yaml:"timeouts"`
	CORS        CORSConfig       `yaml:"cors"`
	MetricsPath string           `yaml:"metrics_path"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// InfluxDBConfig contains InfluxDB 2.x connection settings.
type InfluxDBConfig struct {
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
	Timeout int    `yaml:"timeout"`
}

// TSDBConfig contains settings for InfluxDB 1.x compatible HTTP endpoints.
//
// Several hosts may be listed; writes and queries go to the first host
// that answered the last health probe.
type TSDBConfig struct {
	Hosts               []string `yaml:"hosts"`
	Database            string   `yaml:"database"`
	Username            string   `yaml:"username"`
	Password            string   `yaml:"password"`
	RetentionPolicy     string   `yaml:"retention_policy"`
	Timeout             int      `yaml:"timeout"`
	HealthCheckInterval int      `yaml:"health_check_interval"`
}

// HistoryConfig contains the buffering, flushing and query settings of the
// history pipeline.
type HistoryConfig struct {
	// Backend selects the storage adapter: "influxdb" (2.x) or "tsdb" (1.x HTTP).
	Backend string `yaml:"backend"`

	// SeriesBufferMax is the buffered point count that triggers an early flush.
	// Zero disables buffering and writes every point directly.
	SeriesBufferMax int `yaml:"series_buffer_max"`

	// FlushInterval is the periodic flush interval in seconds.
	FlushInterval int `yaml:"flush_interval"`

	// BufferFile is where unflushed points are persisted at shutdown.
	BufferFile string `yaml:"buffer_file"`

	// Limit is the default maximum number of points returned by getHistory.
	Limit int `yaml:"limit"`

	// Round is the number of decimals query results are rounded to.
	// Negative disables rounding.
	Round int `yaml:"round"`

	// RelogFrom is the "from" value stamped on relogged states.
	RelogFrom string `yaml:"relog_from"`

	// WriteTimeout bounds each backend call, in seconds.
	WriteTimeout int `yaml:"write_timeout"`

	// StateCacheTTL is how long live states are kept for relogging, in seconds.
	StateCacheTTL int `yaml:"state_cache_ttl"`

	// Retention is the storage retention in seconds. Zero keeps data forever.
	Retention int `yaml:"retention"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HISTORIAN_SECTION_KEY
// For example: HISTORIAN_DATABASE_PATH, HISTORIAN_INFLUXDB_TOKEN
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Gray Logic",
		},
		Database: DatabaseConfig{
			Path:        "./data/historian.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-historian",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "graylogic/history",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			MetricsPath: "/metrics",
		},
		InfluxDB: InfluxDBConfig{
			URL:     "http://localhost:8086",
			Org:     "graylogic",
			Bucket:  "history",
			Timeout: 10,
		},
		TSDB: TSDBConfig{
			Hosts:               []string{"http://localhost:8086"},
			Database:            "graylogic",
			Timeout:             10,
			HealthCheckInterval: 15,
		},
		History: HistoryConfig{
			Backend:         BackendInfluxDB,
			SeriesBufferMax: 1000,
			FlushInterval:   600,
			BufferFile:      "./data/buffer.json",
			Limit:           2000,
			Round:           -1,
			RelogFrom:       "system.historian",
			WriteTimeout:    10,
			StateCacheTTL:   86400,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: HISTORIAN_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("HISTORIAN_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("HISTORIAN_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("HISTORIAN_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("HISTORIAN_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("HISTORIAN_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("HISTORIAN_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Storage backends
	if v := os.Getenv("HISTORIAN_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("HISTORIAN_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("HISTORIAN_TSDB_HOSTS"); v != "" {
		cfg.TSDB.Hosts = splitList(v)
	}
	if v := os.Getenv("HISTORIAN_TSDB_PASSWORD"); v != "" {
		cfg.TSDB.Password = v
	}

	// History
	if v := os.Getenv("HISTORIAN_HISTORY_BACKEND"); v != "" {
		cfg.History.Backend = v
	}
	if v := os.Getenv("HISTORIAN_HISTORY_BUFFER_FILE"); v != "" {
		cfg.History.BufferFile = v
	}
}

// splitList splits a comma separated environment value, dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	switch c.History.Backend {
	case BackendInfluxDB:
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required")
		}
	case BackendTSDB:
		if len(c.TSDB.Hosts) == 0 {
			errs = append(errs, "tsdb.hosts must list at least one host")
		}
		if c.TSDB.Database == "" {
			errs = append(errs, "tsdb.database is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("history.backend must be %q or %q", BackendInfluxDB, BackendTSDB))
	}

	if c.History.SeriesBufferMax < 0 {
		errs = append(errs, "history.series_buffer_max must not be negative")
	}
	if c.History.FlushInterval < 1 {
		errs = append(errs, "history.flush_interval must be at least 1 second")
	}
	if c.History.Limit < 1 {
		errs = append(errs, "history.limit must be positive")
	}
	if c.History.Retention < 0 {
		errs = append(errs, "history.retention must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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

// GetFlushInterval returns history.flush_interval as a Duration.
func (c *Config) GetFlushInterval() time.Duration {
	return time.Duration(c.History.FlushInterval) * time.Second
}

// GetBackendTimeout returns history.write_timeout as a Duration.
func (c *Config) GetBackendTimeout() time.Duration {
	return time.Duration(c.History.WriteTimeout) * time.Second
}

// GetRetention returns history.retention as a Duration. Zero means infinite.
func (c *Config) GetRetention() time.Duration {
	return time.Duration(c.History.Retention) * time.Second
}
