package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Platform PlatformConfig `mapstructure:"platform"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PlatformConfig points at the messaging platform's send API. AppSecret
// is the secret the platform signs its webhook calls with.
type PlatformConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	AccessToken string        `mapstructure:"access_token"`
	AppSecret   string        `mapstructure:"app_secret"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// DispatchConfig bounds the outbound sender's local retry loop.
type DispatchConfig struct {
	MaxAttempts int             `mapstructure:"max_attempts"`
	Backoff     []time.Duration `mapstructure:"backoff"`
}

type RelayConfig struct {
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// RetryConfig drives the webhook retry engine: the base backoff schedule,
// then a fixed extended interval until DLQWindow has elapsed since the
// delivery was created.
type RetryConfig struct {
	Workers          int             `mapstructure:"workers"`
	PollInterval     time.Duration   `mapstructure:"poll_interval"`
	Timeout          time.Duration   `mapstructure:"timeout"`
	Schedule         []time.Duration `mapstructure:"schedule"`
	ExtendedInterval time.Duration   `mapstructure:"extended_interval"`
	DLQWindow        time.Duration   `mapstructure:"dlq_window"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("chatbridge")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/chatbridge")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CHATBRIDGE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/chatbridge.db")

	viper.SetDefault("platform.base_url", "https://graph.example.com")
	viper.SetDefault("platform.timeout", 5*time.Second)

	viper.SetDefault("dispatch.max_attempts", 3)
	viper.SetDefault("dispatch.backoff", []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
	})

	viper.SetDefault("relay.attempt_timeout", 2*time.Second)

	viper.SetDefault("retry.workers", 10)
	viper.SetDefault("retry.poll_interval", 1*time.Second)
	viper.SetDefault("retry.timeout", 5*time.Second)
	viper.SetDefault("retry.schedule", []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	})
	viper.SetDefault("retry.extended_interval", 1*time.Hour)
	viper.SetDefault("retry.dlq_window", 24*time.Hour)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
