package config

import (
	"time"

	"github.com/spf13/viper"
)

const (
	ClusterNone     = "none"
	ClusterMemory   = "memory"
	ClusterPostgres = "postgres"
)

// Default values for optional configuration fields.
const (
	DefaultAddr              = ":3000"
	DefaultPath              = "/socket.io/"
	DefaultAckTimeout        = 10 * time.Second
	DefaultNativeTransport   = "websocket"
	DefaultPingInterval      = 25 * time.Second
	DefaultPingTimeout       = 20 * time.Second
	DefaultMaxPayload        = 1000000
	DefaultLogLevel          = "info"
	DefaultLogEncoding       = "console"
	DefaultClusterMode       = ClusterNone
	DefaultChannelPrefix     = "socketcast"
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultRequestTimeout    = 5 * time.Second
	DefaultMaxConns          = 10
	DefaultMinConns          = 2
)

// setDefaults registers every key, so that environment overrides apply to
// keys absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", DefaultAddr)
	v.SetDefault("server.path", DefaultPath)
	v.SetDefault("server.ack_timeout", DefaultAckTimeout)
	v.SetDefault("server.native_transports", []string{DefaultNativeTransport})

	v.SetDefault("engine.ping_interval", DefaultPingInterval)
	v.SetDefault("engine.ping_timeout", DefaultPingTimeout)
	v.SetDefault("engine.max_payload", DefaultMaxPayload)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.encoding", DefaultLogEncoding)
	v.SetDefault("log.development", false)

	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_headers", []string{"Content-Type"})
	v.SetDefault("cors.allow_credentials", false)

	v.SetDefault("cluster.mode", DefaultClusterMode)
	v.SetDefault("cluster.channel_prefix", DefaultChannelPrefix)
	v.SetDefault("cluster.heartbeat_interval", DefaultHeartbeatInterval)
	v.SetDefault("cluster.heartbeat_timeout", DefaultHeartbeatTimeout)
	v.SetDefault("cluster.request_timeout", DefaultRequestTimeout)
	v.SetDefault("cluster.postgres.dsn", "")
	v.SetDefault("cluster.postgres.max_conns", DefaultMaxConns)
	v.SetDefault("cluster.postgres.min_conns", DefaultMinConns)
}
