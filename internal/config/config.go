// internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the dispatcher daemon.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	Dispatchers     []string      `mapstructure:"dispatchers" validate:"dive,required,max=64"`
	MaxThreads      int           `mapstructure:"max_threads" validate:"gte=0"`
	HttpListenAddr  string        `mapstructure:"http_listen_addr" validate:"required"`
	GrpcListenAddr  string        `mapstructure:"grpc_listen_addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	ExecutorTimeout time.Duration `mapstructure:"executor_timeout" validate:"gt=0"`
	HistoryLimit    int           `mapstructure:"history_limit" validate:"gt=0"`
	EtcdEndpoints   []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout     time.Duration `mapstructure:"etcd_timeout" validate:"gt=0"`
	AnnounceTTL     time.Duration `mapstructure:"announce_ttl" validate:"gte=1s"`
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("dispatchers", []string{"main"})
	v.SetDefault("max_threads", 64)
	v.SetDefault("http_listen_addr", ":8080")
	v.SetDefault("grpc_listen_addr", ":50051")
	v.SetDefault("shutdown_timeout", "5s")
	v.SetDefault("executor_timeout", "30s")
	v.SetDefault("history_limit", 100)
	v.SetDefault("etcd_timeout", "5s")
	v.SetDefault("announce_ttl", "10s")

	// Set config file details
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	// Read environment variables
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		// No config file: rely on defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.MaxThreads > 0 && len(c.Dispatchers) > c.MaxThreads {
		return fmt.Errorf("invalid configuration: %d dispatchers exceed max_threads %d", len(c.Dispatchers), c.MaxThreads)
	}
	return nil
}

// EtcdEnabled reports whether an etcd cluster is configured.
func (c *Config) EtcdEnabled() bool {
	return len(c.EtcdEndpoints) > 0
}
