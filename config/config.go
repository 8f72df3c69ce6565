// Package config loads the gateway configuration from a YAML file and
// SOCKETCAST_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: cluster.postgres.dsn is read
// from SOCKETCAST_CLUSTER_POSTGRES_DSN.
const EnvPrefix = "SOCKETCAST"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Log     LogConfig     `mapstructure:"log"`
	CORS    CORSConfig    `mapstructure:"cors"`
	Cluster ClusterConfig `mapstructure:"cluster"`
}

type ServerConfig struct {
	Addr       string        `mapstructure:"addr"`
	Path       string        `mapstructure:"path"`
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	// NativeTransports receive room broadcasts through the topic hub.
	NativeTransports []string `mapstructure:"native_transports"`
}

type EngineConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout"`
	MaxPayload   int64         `mapstructure:"max_payload"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
	Development bool   `mapstructure:"development"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type ClusterConfig struct {
	// Mode is one of ClusterNone, ClusterMemory or ClusterPostgres.
	Mode              string         `mapstructure:"mode"`
	ChannelPrefix     string         `mapstructure:"channel_prefix"`
	HeartbeatInterval time.Duration  `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration  `mapstructure:"heartbeat_timeout"`
	RequestTimeout    time.Duration  `mapstructure:"request_timeout"`
	Postgres          PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// Load reads path, when given, on top of the defaults and applies
// environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
