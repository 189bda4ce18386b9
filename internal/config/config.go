package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Modbus   ModbusConfig   `mapstructure:"modbus"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	InfluxDB InfluxDBConfig `mapstructure:"influxdb"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	HTTPPort            int           `mapstructure:"http_port"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	AllowRemoteShutdown bool          `mapstructure:"allow_remote_shutdown"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type DatabaseConfig struct {
	Driver         string `mapstructure:"driver"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	// Path der SQLite-Datei
	Path string `mapstructure:"path"`
}

type ModbusConfig struct {
	ConnectTimeout      time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout"`
	DefaultPollInterval time.Duration `mapstructure:"default_poll_interval"`
	ScanInterval        time.Duration `mapstructure:"scan_interval"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	MaxRegistersPerRead int           `mapstructure:"max_registers_per_read"`
	Diagnostics         bool          `mapstructure:"diagnostics"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type InfluxDBConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Token         string        `mapstructure:"token"`
	Org           string        `mapstructure:"org"`
	Bucket        string        `mapstructure:"bucket"`
	BatchSize     uint          `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load reads path (YAML) on top of the defaults. An empty path loads
// defaults and environment only. Environment variables use the FP_ prefix,
// e.g. FP_DATABASE_HOST.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Environment Variables automatisch binden
	v.SetEnvPrefix("FP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allow_remote_shutdown", false)

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "fieldpoller")
	v.SetDefault("database.user", "fieldpoller")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.path", "data/fieldpoller.db")

	v.SetDefault("modbus.connect_timeout", "3s")
	v.SetDefault("modbus.read_timeout", "3s")
	v.SetDefault("modbus.default_poll_interval", "1s")
	v.SetDefault("modbus.scan_interval", "5s")
	v.SetDefault("modbus.failure_threshold", 3)
	v.SetDefault("modbus.max_registers_per_read", 125)
	v.SetDefault("modbus.diagnostics", false)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "fieldpoller")
	v.SetDefault("mqtt.topic_prefix", "fieldpoller")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")

	v.SetDefault("influxdb.enabled", false)
	v.SetDefault("influxdb.url", "http://localhost:8086")
	v.SetDefault("influxdb.token", "")
	v.SetDefault("influxdb.org", "")
	v.SetDefault("influxdb.bucket", "telemetry")
	v.SetDefault("influxdb.batch_size", 500)
	v.SetDefault("influxdb.flush_interval", "1s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// Validate rejects settings the poller cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.MaxConnections < 1 {
			errs = append(errs, errors.New("database.max_connections must be at least 1"))
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}

	m := c.Modbus
	if m.ConnectTimeout <= 0 || m.ReadTimeout <= 0 {
		errs = append(errs, errors.New("modbus timeouts must be positive"))
	}
	if m.DefaultPollInterval <= 0 || m.ScanInterval <= 0 {
		errs = append(errs, errors.New("modbus intervals must be positive"))
	}
	if m.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("modbus.failure_threshold %d must be at least 1", m.FailureThreshold))
	}
	if m.MaxRegistersPerRead < 1 || m.MaxRegistersPerRead > 125 {
		errs = append(errs, fmt.Errorf("modbus.max_registers_per_read %d out of range 1..125", m.MaxRegistersPerRead))
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker required when mqtt is enabled"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d out of range 0..2", c.MQTT.QoS))
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, errors.New("influxdb.url and influxdb.bucket required when influxdb is enabled"))
	}

	return errors.Join(errs...)
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}
