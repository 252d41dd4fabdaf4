package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the bridge configuration. It is read from an optional YAML file
// and RWS_* environment variables, e.g. RWS_SERVER_PORT or RWS_REDIS_ADDR.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Tick    time.Duration `mapstructure:"tick"`
	Echo    bool          `mapstructure:"echo"`
	Metrics string        `mapstructure:"metrics"` // listen address, empty disables
	Redis   RedisConfig   `mapstructure:"redis"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Bind              string        `mapstructure:"bind"`
	Port              uint16        `mapstructure:"port"`
	Subprotocols      string        `mapstructure:"subprotocols"` // comma separated
	TLSCert           string        `mapstructure:"tls_cert"`
	TLSKey            string        `mapstructure:"tls_key"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	ReusePort         bool          `mapstructure:"reuse_port"`
}

type RedisConfig struct {
	Addr          string        `mapstructure:"addr"` // empty disables presence and rate limiting
	RateLimit     bool          `mapstructure:"rate_limit"`
	ConnectLimit  int           `mapstructure:"connect_limit"`
	ConnectWindow time.Duration `mapstructure:"connect_window"`
	MessageLimit  int           `mapstructure:"message_limit"`
	MessageWindow time.Duration `mapstructure:"message_window"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"` // empty disables the event mirror
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var defaults = map[string]any{
	"server.bind":               "127.0.0.1",
	"server.port":               8080,
	"server.subprotocols":       "",
	"server.tls_cert":           "",
	"server.tls_key":            "",
	"server.max_message_size":   1 << 20,
	"server.heartbeat_interval": 0,
	"server.heartbeat_timeout":  "10s",
	"server.shutdown_grace":     "5s",
	"server.reuse_port":         false,
	"tick":                      "16ms",
	"echo":                      true,
	"metrics":                   ":9090",
	"redis.addr":                "",
	"redis.rate_limit":          true,
	"redis.connect_limit":       20,
	"redis.connect_window":      "1m",
	"redis.message_limit":       50,
	"redis.message_window":      "10s",
	"nats.url":                  "",
	"log.level":                 "info",
	"log.development":           false,
}

// loadConfig reads path (if not empty) and the environment on top of the
// defaults.
func loadConfig(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("RWS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if cfg.Tick <= 0 {
		return Config{}, fmt.Errorf("config: tick must be positive, got %v", cfg.Tick)
	}
	return cfg, nil
}
