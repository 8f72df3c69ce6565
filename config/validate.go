package config

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /, got %q", c.Server.Path)
	}
	if c.Server.AckTimeout <= 0 {
		return errors.New("server.ack_timeout must be > 0")
	}

	if c.Engine.PingInterval <= 0 {
		return errors.New("engine.ping_interval must be > 0")
	}
	if c.Engine.PingTimeout <= 0 {
		return errors.New("engine.ping_timeout must be > 0")
	}
	if c.Engine.MaxPayload < 1 {
		return errors.New("engine.max_payload must be >= 1")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Encoding != "console" && c.Log.Encoding != "json" {
		return fmt.Errorf("log.encoding must be console or json, got %q", c.Log.Encoding)
	}

	return c.Cluster.validate("cluster")
}

func (c *ClusterConfig) validate(prefix string) error {
	switch c.Mode {
	case ClusterNone:
		return nil
	case ClusterMemory, ClusterPostgres:
	default:
		return fmt.Errorf("%s.mode must be one of %s, %s, %s, got %q", prefix, ClusterNone, ClusterMemory, ClusterPostgres, c.Mode)
	}

	if c.ChannelPrefix == "" {
		return fmt.Errorf("%s.channel_prefix is required", prefix)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%s.heartbeat_interval must be > 0", prefix)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%s.heartbeat_timeout (%v) must exceed heartbeat_interval (%v)", prefix, c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s.request_timeout must be > 0", prefix)
	}

	if c.Mode == ClusterPostgres {
		return c.Postgres.validate(prefix + ".postgres")
	}
	return nil
}

func (db *PostgresConfig) validate(prefix string) error {
	if db.DSN == "" {
		return fmt.Errorf("%s.dsn is required", prefix)
	}
	if db.MaxConns < 2 {
		return fmt.Errorf("%s.max_conns must be >= 2", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
