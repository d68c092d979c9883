// Package config loads the YAML configuration of the idmefv2-relay daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/RobertWHurst/idmefv2transport"
)

// Config is the root relay configuration.
type Config struct {
	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// SinkCapacity bounds the queue between inbound and outbound transports.
	// Zero means unbounded.
	SinkCapacity int `mapstructure:"sink_capacity"`

	// Workers is the number of goroutines forwarding messages. One keeps the
	// inbound order.
	Workers int `mapstructure:"workers"`

	// Inbound endpoints receive messages into the shared sink.
	Inbound []EndpointConfig `mapstructure:"inbound"`

	// Outbound endpoints each get every received message.
	Outbound []EndpointConfig `mapstructure:"outbound"`
}

// EndpointConfig is one transport: its URI plus the transport options.
//
//	inbound:
//	  - uri: http://0.0.0.0:8080/alerts
//	    content_type: application/json
//	outbound:
//	  - uri: kafka://broker:9092
//	    content_type: application/json
//	    topic: idmef
//	    acks: all
type EndpointConfig struct {
	URI string `mapstructure:"uri"`

	idmefv2transport.Options `mapstructure:",squash"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with defaults and no endpoints.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		SinkCapacity: 1024,
		Workers:      1,
	}
}

// Load reads the configuration from path, or from idmefv2-relay.yaml in the
// working directory, /etc/idmefv2-relay or ~/.idmefv2-relay when path is
// empty. Environment variables prefixed IDMEFV2_RELAY override scalar
// settings, e.g. IDMEFV2_RELAY_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("IDMEFV2_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("sink_capacity", cfg.SinkCapacity)
	v.SetDefault("workers", cfg.Workers)

	if path == "" {
		path = os.Getenv("IDMEFV2_RELAY_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("idmefv2-relay")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/idmefv2-relay")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".idmefv2-relay"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and fills in what may be left empty.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.SinkCapacity < 0 {
		return fmt.Errorf("invalid sink_capacity: %d", c.SinkCapacity)
	}

	if len(c.Inbound) == 0 {
		return errors.New("at least one inbound endpoint is required")
	}
	if len(c.Outbound) == 0 {
		return errors.New("at least one outbound endpoint is required")
	}
	for i, e := range c.Inbound {
		if strings.TrimSpace(e.URI) == "" {
			return fmt.Errorf("inbound[%d]: uri is required", i)
		}
	}
	for i, e := range c.Outbound {
		if strings.TrimSpace(e.URI) == "" {
			return fmt.Errorf("outbound[%d]: uri is required", i)
		}
	}
	return nil
}
