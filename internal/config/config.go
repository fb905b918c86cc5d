package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// GoogleConfig holds the OAuth client this deployment acts as.
type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// Config is the top-level service configuration. Values come from
// config.yaml with MAILSYNC_* environment overrides.
type Config struct {
	ListenAddr  string       `mapstructure:"listen_addr"`
	DataRoot    string       `mapstructure:"data_root"`
	PubSubTopic string       `mapstructure:"pubsub_topic"`
	NATSURL     string       `mapstructure:"nats_url"`
	JWKSURL     string       `mapstructure:"jwks_url"`
	LogLevel    string       `mapstructure:"log_level"`
	Google      GoogleConfig `mapstructure:"google"`
}

// Load reads configuration from the given directory (or the working
// directory when empty).
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir == "" {
		dir = "."
	}
	v.AddConfigPath(dir)

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("data_root", "data")
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env and defaults may be enough.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.PubSubTopic == "" {
		return nil, fmt.Errorf("pubsub_topic is required")
	}
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("jwks_url is required")
	}

	return &cfg, nil
}
