// Package config loads hubwatch settings from YAML and HUBWATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/hubwatch/internal/schedule"
)

const envPrefix = "HUBWATCH"

// Config holds the settings shared by the hub, agent and dashboard binaries
type Config struct {
	App   AppConfig   `mapstructure:"app"`
	Log   LogConfig   `mapstructure:"log"`
	NATS  NATSConfig  `mapstructure:"nats"`
	Hub   HubConfig   `mapstructure:"hub"`
	Agent AgentConfig `mapstructure:"agent"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type NATSConfig struct {
	URL            string         `mapstructure:"url"`
	MaxReconnects  int            `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration  `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration  `mapstructure:"connect_timeout"`
	ConnectRetries int            `mapstructure:"connect_retries"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
	Embedded       EmbeddedConfig `mapstructure:"embedded"`
}

// EmbeddedConfig runs a NATS server inside the hub process
type EmbeddedConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	StoreDir string `mapstructure:"store_dir"`
}

type HubConfig struct {
	DBPath        string        `mapstructure:"db_path"`
	DownAfter     time.Duration `mapstructure:"down_after"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

type AgentConfig struct {
	SystemName string `mapstructure:"system_name"`
	Host       string `mapstructure:"host"`
	Schedule   string `mapstructure:"schedule"`
	DiskPath   string `mapstructure:"disk_path"`
	Docker     bool   `mapstructure:"docker"`
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()

	v.SetDefault("app.name", "hubwatch")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.request_timeout", 10*time.Second)
	v.SetDefault("nats.embedded.enabled", false)
	v.SetDefault("nats.embedded.host", "127.0.0.1")
	v.SetDefault("nats.embedded.port", 4222)
	v.SetDefault("nats.embedded.store_dir", "./data/jetstream")

	v.SetDefault("hub.db_path", "hubwatch.db")
	v.SetDefault("hub.down_after", 90*time.Second)
	v.SetDefault("hub.sweep_schedule", "@every 30s")

	v.SetDefault("agent.system_name", hostname)
	v.SetDefault("agent.host", "")
	v.SetDefault("agent.schedule", "@every 15s")
	v.SetDefault("agent.disk_path", "/")
	v.SetDefault("agent.docker", false)
}

// Load reads the config file at path, or ./config/config.yaml when path is
// empty, applies environment overrides and validates the result. A missing
// default config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings for consistency
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format %q is not one of json, console", c.Log.Format)
	}

	if c.NATS.URL == "" && !c.NATS.Embedded.Enabled {
		return fmt.Errorf("nats.url is required")
	}
	if c.NATS.RequestTimeout <= 0 {
		return fmt.Errorf("nats.request_timeout must be positive")
	}

	if c.Hub.DownAfter <= 0 {
		return fmt.Errorf("hub.down_after must be positive")
	}
	if c.Hub.SweepSchedule != "" {
		if err := schedule.Validate(c.Hub.SweepSchedule); err != nil {
			return fmt.Errorf("hub.sweep_schedule: %w", err)
		}
	}

	if err := schedule.Validate(c.Agent.Schedule); err != nil {
		return fmt.Errorf("agent.schedule: %w", err)
	}
	return nil
}
