// Package config loads the eventctl configuration from a file and the
// environment (EVENTCTL_ prefix, dots become underscores).
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/terraskye/eventcore"
)

type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Bus       BusConfig       `mapstructure:"bus"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Relay     RelayConfig     `mapstructure:"relay"`
}

type StoreConfig struct {
	// Driver is one of memory, sqlite or postgres.
	Driver string `mapstructure:"driver"`
	// DSN is the sqlite file path or the postgres connection string.
	DSN string `mapstructure:"dsn"`
}

type BusConfig struct {
	// Buffer bounds the live buffer of each subscription, 0 means unbounded.
	Buffer int `mapstructure:"buffer"`
	// Follow is how often long-running commands poll the store for events
	// appended by other processes.
	Follow time.Duration `mapstructure:"follow"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Stdout      bool   `mapstructure:"stdout"`
	ServiceName string `mapstructure:"service_name"`
}

type RelayConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// Load reads path, if not empty, and applies environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("eventctl")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// every key needs a default, AutomaticEnv only overrides known keys on Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("bus.buffer", 0)
	v.SetDefault("bus.follow", time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.service_name", "eventctl")
	v.SetDefault("relay.kafka.brokers", []string{})
	v.SetDefault("relay.kafka.topic", "events")
	v.SetDefault("relay.rabbitmq.url", "")
	v.SetDefault("relay.rabbitmq.exchange", "events")
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver must be memory, sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Bus.Buffer < 0 {
		return fmt.Errorf("bus.buffer must be >= 0")
	}
	if c.Bus.Follow <= 0 {
		return fmt.Errorf("bus.follow must be > 0")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Backpressure is the subscription policy selected by bus.buffer.
func (c BusConfig) Backpressure() eventcore.Backpressure {
	if c.Buffer == 0 {
		return eventcore.Unbounded()
	}
	return eventcore.Bounded(c.Buffer)
}

func (c LogConfig) level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// Logger builds the slog logger described by c. The level is taken from
// level, which is set to log.level first; nil uses a private one.
func (c LogConfig) Logger(w io.Writer, level *slog.LevelVar) *slog.Logger {
	if level == nil {
		level = new(slog.LevelVar)
	}
	if l, err := c.level(); err == nil {
		level.Set(l)
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// WatchLogLevel watches path and applies log.level to level every time the
// file is written. Other keys only take effect on restart. Invalid changes are
// reported to onError and leave the level as it was.
func WatchLogLevel(path string, level *slog.LevelVar, onError func(error)) error {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l, err := LogConfig{Level: v.GetString("log.level")}.level()
		if err != nil {
			onError(fmt.Errorf("reload %s: %w", e.Name, err))
			return
		}
		level.Set(l)
	})
	v.WatchConfig()
	return nil
}
