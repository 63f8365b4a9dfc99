// Package configs loads the client configuration from YAML files and
// CHANBIND_ environment variables.
package configs

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/glimte/chanbind-go/dispatch"
	"github.com/glimte/chanbind-go/transports/nats"
	"github.com/glimte/chanbind-go/transports/rabbitmq"
	"github.com/glimte/chanbind-go/transports/redis"
)

// Broker selects and configures the transport.
type Broker struct {
	// Kind is the transport to use: "rabbitmq", "nats", or "redis".
	Kind     string          `mapstructure:"kind"`
	RabbitMQ rabbitmq.Config `mapstructure:"rabbitmq"`
	NATS     nats.Config     `mapstructure:"nats"`
	Redis    redis.Config    `mapstructure:"redis"`
}

// Log configures logging.
type Log struct {
	Level string `mapstructure:"level"`
}

// Config is the complete client configuration.
type Config struct {
	Broker  `mapstructure:"broker"`
	Log     `mapstructure:"log"`
	Version string `mapstructure:"version"`
}

// NewDefaultConfig returns a Config with default values: RabbitMQ on
// localhost at info log level.
func NewDefaultConfig() Config {
	config := Config{}

	config.Broker.Kind = "rabbitmq"
	config.Broker.RabbitMQ = rabbitmq.DefaultConfig()
	config.Broker.NATS = nats.DefaultConfig()
	config.Broker.Redis = redis.DefaultConfig()

	config.Log.Level = "info"
	config.Version = "dev"

	return config
}

// Validate checks that the configuration selects a known broker.
func (c Config) Validate() error {
	switch strings.ToLower(c.Broker.Kind) {
	case "rabbitmq", "nats", "redis":
		return nil
	default:
		return fmt.Errorf("configs: unknown broker kind %q", c.Broker.Kind)
	}
}

// BuildTransport constructs the transport the configuration selects.
func (c Config) BuildTransport(logger *slog.Logger) (dispatch.Transport, error) {
	switch strings.ToLower(c.Broker.Kind) {
	case "rabbitmq":
		return rabbitmq.New(c.Broker.RabbitMQ, rabbitmq.WithLogger(logger)), nil
	case "nats":
		return nats.New(c.Broker.NATS, nats.WithLogger(logger)), nil
	case "redis":
		return redis.New(c.Broker.Redis, redis.WithLogger(logger)), nil
	default:
		return nil, fmt.Errorf("configs: unknown broker kind %q", c.Broker.Kind)
	}
}

// LoadConfig loads the configuration. File settings override defaults, and
// CHANBIND_ environment variables override both (e.g. CHANBIND_BROKER_KIND,
// CHANBIND_LOG_LEVEL). An empty configFile skips file loading; an unreadable
// file is logged and ignored.
func LoadConfig(configFile string) (Config, error) {
	v := viper.New()

	config := NewDefaultConfig()
	v.SetDefault("broker.kind", config.Broker.Kind)
	v.SetDefault("log.level", config.Log.Level)
	v.SetDefault("version", config.Version)

	v.SetEnvPrefix("CHANBIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			slog.Warn("failed to read config file, using defaults",
				"file", configFile,
				"error", err)
		}
	}

	if err := v.Unmarshal(&config); err != nil {
		return NewDefaultConfig(), fmt.Errorf("configs: unmarshal: %w", err)
	}

	return config, nil
}

// Watch re-reads the configuration whenever the file changes and passes the
// result to onChange. It returns once the watcher is installed.
func Watch(configFile string, onChange func(Config)) error {
	v := viper.New()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("configs: watch %s: %w", configFile, err)
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		config := NewDefaultConfig()
		if err := v.Unmarshal(&config); err != nil {
			slog.Error("failed to reload config", "file", configFile, "error", err)
			return
		}
		slog.Info("config reloaded", "file", configFile)
		onChange(config)
	})
	v.WatchConfig()

	return nil
}

// ParseLogLevel maps a level name to its slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
