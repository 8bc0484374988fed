// Package config loads server configuration from file, environment and
// defaults.
package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/botchat/pkg/eventbus"
)

type Config struct {
	// Addr is the HTTP listen address.
	Addr string `mapstructure:"addr" validate:"required"`
	// DSN is the sqlite database path or ":memory:".
	DSN string `mapstructure:"dsn" validate:"required"`
	// LogLevel is a zerolog level name.
	LogLevel string `mapstructure:"log-level" validate:"oneof=trace debug info warn error"`

	// SendBuffer is the per-connection outbound queue size.
	SendBuffer int `mapstructure:"send-buffer" validate:"min=1"`
	// IdleTimeoutSeconds stops a chat's fan-out reader after its last
	// viewer disconnects. Zero keeps readers alive forever.
	IdleTimeoutSeconds int `mapstructure:"idle-timeout-seconds" validate:"min=0"`
	// ExchangeTimeoutSeconds bounds one upstream completion.
	ExchangeTimeoutSeconds int `mapstructure:"exchange-timeout-seconds" validate:"min=1"`

	Bus eventbus.Settings `mapstructure:"bus"`
}

// Load reads the optional config file (botchat.yaml next to the
// binary unless a path is given), then applies BOTCHAT_* environment
// overrides, then validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("addr", ":8088")
	v.SetDefault("dsn", "botchat.db")
	v.SetDefault("log-level", "info")
	v.SetDefault("send-buffer", 64)
	v.SetDefault("idle-timeout-seconds", 60)
	v.SetDefault("exchange-timeout-seconds", 300)
	v.SetDefault("bus.redis-enabled", false)
	v.SetDefault("bus.redis-addr", "localhost:6379")
	v.SetDefault("bus.redis-group", "botchat")
	v.SetDefault("bus.redis-consumer", "botchat-1")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
	} else {
		v.SetConfigName("botchat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrap(err, "read config file")
			}
		}
	}

	v.SetEnvPrefix("BOTCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return cfg, nil
}
