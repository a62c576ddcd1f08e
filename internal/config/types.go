// Package config loads engine configuration from flags, environment
// variables, and config files, in that precedence order.
package config

import "time"

// Config is the full engine configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// DatabaseConfig holds database connection settings. A complete DSN takes
// precedence over the discrete fields.
type DatabaseConfig struct {
	// ConnectionString is a complete MySQL DSN. Driver parameters the engine
	// depends on (parseTime, clientFoundRows, UTC location) are enforced on
	// top of it.
	ConnectionString string `mapstructure:"dsn"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`

	Pool PoolConfig `mapstructure:"pool"`

	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OTLPConfig holds OTLP exporter settings for traces and logs.
type OTLPConfig struct {
	Endpoint string            `mapstructure:"endpoint"`
	Protocol string            `mapstructure:"protocol"`
	Insecure bool              `mapstructure:"insecure"`
	CAFile   string            `mapstructure:"ca_file"`
	Headers  map[string]string `mapstructure:"headers"`
	Timeout  time.Duration     `mapstructure:"timeout"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	MetricsEnabled   bool       `mapstructure:"metrics_enabled"`
	TracingEnabled   bool       `mapstructure:"tracing_enabled"`
	LogsEnabled      bool       `mapstructure:"logs_enabled"`
	ServiceName      string     `mapstructure:"service_name"`
	ServiceVersion   string     `mapstructure:"service_version"`
	Environment      string     `mapstructure:"environment"`
	TraceSampleRatio float64    `mapstructure:"trace_sample_ratio"`
	OTLP             OTLPConfig `mapstructure:"otlp"`
}
