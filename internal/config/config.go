// Package config loads the replication server's runtime configuration:
// one struct per concern, viper-backed with env overrides and
// programmatic defaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration section the replication server
// reads at startup.
type Config struct {
	Transport   TransportConfig   `mapstructure:"transport"`
	Sector      SectorConfig      `mapstructure:"sector"`
	Placement   PlacementConfig   `mapstructure:"placement"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// TransportConfig controls the shard control channel listener.
type TransportConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	MaxFrameBytes    uint32        `mapstructure:"max_frame_bytes"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ConnIPBurst      int           `mapstructure:"shard_conn_ip_burst"`
	ConnIPRate       float64       `mapstructure:"shard_conn_ip_rate"`
	ConnGlobalBurst  int           `mapstructure:"shard_conn_global_burst"`
	ConnGlobalRate   float64       `mapstructure:"shard_conn_global_rate"`
}

// SectorConfig controls sector geometry and the periodic sweeps.
type SectorConfig struct {
	SectorSize                float64       `mapstructure:"sector_size"`
	MaxShards                 int           `mapstructure:"max_shards"`
	TransitionQueueCap        int           `mapstructure:"transition_queue_cap"`
	RebalanceInterval         time.Duration `mapstructure:"rebalance_interval"`
	DeactivationCheckInterval time.Duration `mapstructure:"deactivation_check_interval"`
	DeactivationTimeout       time.Duration `mapstructure:"deactivation_timeout"`
	LoadingStuckTimeout       time.Duration `mapstructure:"loading_stuck_timeout"`
	LoadStaleTimeout          time.Duration `mapstructure:"load_stale_timeout"`
}

// PlacementConfig controls the load/proximity scoring heuristics.
type PlacementConfig struct {
	LoadThreshold int `mapstructure:"load_threshold"`
	PlayerWeight  int `mapstructure:"player_weight"`
}

// AdminConfig controls the read-only admin HTTP/websocket surface.
type AdminConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// AuthConfig controls shard credential verification.
type AuthConfig struct {
	Secret     string `mapstructure:"shard_auth_secret"`
	Production bool   `mapstructure:"production"`
}

// PersistenceConfig selects and configures the snapshot-store backend.
type PersistenceConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
	NATSURL string `mapstructure:"nats_url"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// devSecret is the non-production default HMAC secret. It is
// intentionally weak; AuthMisconfigured reports a production-mode
// config that still carries it, and cmd/replicationd refuses to start
// in that case.
const devSecret = "sectorfab-dev-secret-do-not-use-in-production"

// Load reads configuration from environment variables (prefixed
// SECTORFAB_) and an optional config file, applying defaults for
// every option.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("transport.listen_addr", "0.0.0.0:5001")
	v.SetDefault("transport.max_frame_bytes", 16<<20)
	v.SetDefault("transport.handshake_timeout", 10*time.Second)
	v.SetDefault("transport.shard_conn_ip_burst", 10)
	v.SetDefault("transport.shard_conn_ip_rate", 1.0)
	v.SetDefault("transport.shard_conn_global_burst", 300)
	v.SetDefault("transport.shard_conn_global_rate", 50.0)

	v.SetDefault("sector.sector_size", 1000.0)
	v.SetDefault("sector.max_shards", 32)
	v.SetDefault("sector.transition_queue_cap", 1024)
	v.SetDefault("sector.rebalance_interval", 60*time.Second)
	v.SetDefault("sector.deactivation_check_interval", 30*time.Second)
	v.SetDefault("sector.deactivation_timeout", 300*time.Second)
	v.SetDefault("sector.loading_stuck_timeout", 30*time.Second)
	v.SetDefault("sector.load_stale_timeout", 60*time.Second)

	v.SetDefault("placement.load_threshold", 100)
	v.SetDefault("placement.player_weight", 10)

	v.SetDefault("admin.listen_addr", "0.0.0.0:8090")

	v.SetDefault("auth.shard_auth_secret", devSecret)
	v.SetDefault("auth.production", false)

	v.SetDefault("persistence.backend", "sqlite")
	v.SetDefault("persistence.dsn", "sectorfab.db")
	v.SetDefault("persistence.nats_url", "nats://127.0.0.1:4222")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetConfigName("sectorfab")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("SECTORFAB")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the cross-field constraints Load's defaults alone
// can't express. The production shard-auth-secret guard is kept
// separate (see AuthMisconfigured) since callers report it as its own
// exit code rather than a generic configuration error.
func (c Config) Validate() error {
	if c.Persistence.Backend != "sqlite" && c.Persistence.Backend != "nats" {
		return fmt.Errorf("persistence: unknown backend %q (want sqlite or nats)", c.Persistence.Backend)
	}
	if c.Sector.SectorSize <= 0 {
		return fmt.Errorf("sector: sector_size must be positive, got %v", c.Sector.SectorSize)
	}
	if c.Placement.PlayerWeight <= 0 {
		return fmt.Errorf("placement: player_weight must be positive, got %d", c.Placement.PlayerWeight)
	}
	return nil
}

// AuthMisconfigured reports whether the server is set to run in
// production mode with the insecure development shard-auth secret
// still in place.
func (c Config) AuthMisconfigured() bool {
	return c.Auth.Production && c.Auth.Secret == devSecret
}
