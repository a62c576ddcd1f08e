package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var defineFlagsOnce sync.Once

// Load loads configuration with the following precedence:
// 1. Command line flags
// 2. Environment variables (TESTHEALTH_ prefix)
// 3. Config file
// 4. Default values
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	defineFlags()
	if !pflag.Parsed() {
		pflag.Parse()
	}

	cfgPath, _ := pflag.CommandLine.GetString("config")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("testhealth")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/testhealth/")
		v.AddConfigPath("$HOME/.testhealth")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if cfgPath != "" {
			return nil, fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Env vars: TESTHEALTH_DATABASE_POOL_MAX_OPEN etc.
	v.SetEnvPrefix("TESTHEALTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	bindChangedFlagsToViper(v)

	var cfg Config
	if err := v.UnmarshalExact(
		&cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
		),
	); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// bindChangedFlagsToViper copies only explicitly-set flags into Viper,
// preserving precedence: flags > env > file > defaults.
func bindChangedFlagsToViper(v *viper.Viper) {
	pflag.CommandLine.Visit(func(f *pflag.Flag) {
		// Undotted flags (config, version, binary-local flags) are not config keys.
		if !strings.Contains(f.Name, ".") {
			return
		}
		switch f.Value.Type() {
		case "string":
			val, _ := pflag.CommandLine.GetString(f.Name)
			v.Set(f.Name, val)
		case "int":
			val, _ := pflag.CommandLine.GetInt(f.Name)
			v.Set(f.Name, val)
		case "bool":
			val, _ := pflag.CommandLine.GetBool(f.Name)
			v.Set(f.Name, val)
		case "float64":
			val, _ := pflag.CommandLine.GetFloat64(f.Name)
			v.Set(f.Name, val)
		case "duration":
			val, _ := pflag.CommandLine.GetDuration(f.Name)
			v.Set(f.Name, val)
		default:
			v.Set(f.Name, f.Value.String())
		}
	})
}

// defineFlags defines command line flags using canonical snake_case keys.
func defineFlags() {
	defineFlagsOnce.Do(func() {
		pflag.String("config", "", "Path to config file")

		pflag.String("database.dsn", "", "Complete MySQL DSN (user:pass@tcp(host:port)/db)")
		pflag.String("database.host", "", "Database host")
		pflag.Int("database.port", 0, "Database port")
		pflag.String("database.user", "", "Database user")
		pflag.String("database.password", "", "Database password")
		pflag.String("database.database", "", "Database name")
		pflag.Int("database.pool.max_open", 0, "Maximum open database connections")
		pflag.Int("database.pool.max_idle", 0, "Maximum idle database connections")
		pflag.Duration("database.pool.max_lifetime", 0, "Maximum database connection lifetime")
		pflag.Duration("database.connection_timeout", 0, "Database connection timeout")

		pflag.String("logging.level", "", "Log level (debug, info, warn, error)")
		pflag.String("logging.format", "", "Log format (json, text)")

		pflag.Bool("telemetry.metrics_enabled", false, "Enable Prometheus metrics")
		pflag.Bool("telemetry.tracing_enabled", false, "Enable OTLP tracing")
		pflag.Bool("telemetry.logs_enabled", false, "Enable OTLP log export")
		pflag.Float64("telemetry.trace_sample_ratio", 0, "Trace sample ratio (0..1)")
		pflag.String("telemetry.otlp.endpoint", "", "OTLP exporter endpoint")
		pflag.String("telemetry.otlp.protocol", "", "OTLP protocol (grpc or http/protobuf)")
		pflag.Bool("telemetry.otlp.insecure", false, "Disable OTLP TLS")
	})
}

// setDefaults sets default values (lowest precedence).
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "testhealth")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "testhealth")
	v.SetDefault("database.pool.max_open", 25)
	v.SetDefault("database.pool.max_idle", 5)
	v.SetDefault("database.pool.max_lifetime", 5*time.Minute)
	v.SetDefault("database.connection_timeout", 60*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics_enabled", false)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.logs_enabled", false)
	v.SetDefault("telemetry.service_name", "testhealth")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.trace_sample_ratio", 1.0)
	v.SetDefault("telemetry.otlp.endpoint", "localhost:4317")
	v.SetDefault("telemetry.otlp.protocol", "grpc")
	v.SetDefault("telemetry.otlp.insecure", true)
	v.SetDefault("telemetry.otlp.ca_file", "")
	v.SetDefault("telemetry.otlp.headers", map[string]string{})
	v.SetDefault("telemetry.otlp.timeout", 10*time.Second)
}
