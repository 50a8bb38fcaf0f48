package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Delivery  DeliveryConfig `mapstructure:"delivery"`
	JWTSecret string         `mapstructure:"jwt_secret"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DeliveryConfig tunes the outbound webhook delivery pipeline.
type DeliveryConfig struct {
	Workers             int    `mapstructure:"workers"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	BackoffCapSeconds   int    `mapstructure:"backoff_cap_seconds"`
	ResponseExcerptSize int    `mapstructure:"response_excerpt_size"`
	WakeChannel         string `mapstructure:"wake_channel"`
}

// ConnString returns the PostgreSQL connection string.
func (d DatabaseConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

func Load() (*Config, error) {
	viper.SetConfigName("app")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../..")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.pool_size", 10)
	viper.SetDefault("jwt_secret", "changeme-secret")
	viper.SetDefault("delivery.workers", 4)
	viper.SetDefault("delivery.poll_interval_seconds", 15)
	viper.SetDefault("delivery.backoff_cap_seconds", 3600)
	viper.SetDefault("delivery.response_excerpt_size", 1024)
	viper.SetDefault("delivery.wake_channel", "webhook_events_wake")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
