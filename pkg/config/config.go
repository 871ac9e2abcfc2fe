// Package config loads solidb's server configuration the way
// evalgo-org-eve and untoldecay-BeadsLog layer spf13/viper: defaults,
// then an optional config file, then SOLIDB_*-prefixed environment
// variables, then cobra flags, each overriding the last. Warren's own
// config is flags-and-env only (cmd/warren/main.go); a multi-node
// document database has enough tunables (index defaults, query
// limits, reshard batch sizes, retention windows) to warrant a real
// loader instead.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the fully resolved server configuration for one solidb
// node.
type Config struct {
	// Cluster identity and networking.
	NodeID   string
	Host     string
	Port     int
	BindAddr string
	DataDir  string

	// Seed/auth material, §6 "Exit codes and environment".
	AdminPassword string
	ClusterSecret string
	APIKey        string
	Database      string

	// Logging, matching pkg/log.Config.
	LogLevel string
	LogJSON  bool

	// Domain tunables.
	DefaultNumShards         int
	DefaultReplicationFactor int
	QueryResultLimit         int
	CursorIdleTimeout        time.Duration
	ReshardBatchSize         int
	ReshardMaxRetries        int
	TombstoneRetention       time.Duration
	ReplicationHeartbeat     time.Duration
	MissedHeartbeatThreshold int
	JWTTokenTTL              time.Duration
}

// defaults seeds every key Load reads, so a value is always present
// even with no config file, no env vars, and no flags set.
func defaults(v *viper.Viper) {
	v.SetDefault("node-id", "solidb-1")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("bind-addr", "127.0.0.1:7950")
	v.SetDefault("data-dir", "./solidb-data")

	v.SetDefault("admin-password", "")
	v.SetDefault("cluster-secret", "")
	v.SetDefault("api-key", "")
	v.SetDefault("database", "")

	v.SetDefault("log-level", "info")
	v.SetDefault("log-json", false)

	v.SetDefault("default-num-shards", 1)
	v.SetDefault("default-replication-factor", 1)
	v.SetDefault("query-result-limit", 1000)
	v.SetDefault("cursor-idle-timeout", "5m")
	v.SetDefault("reshard-batch-size", 256)
	v.SetDefault("reshard-max-retries", 5)
	v.SetDefault("tombstone-retention", "720h")
	v.SetDefault("replication-heartbeat", "2s")
	v.SetDefault("missed-heartbeat-threshold", 3)
	v.SetDefault("jwt-token-ttl", "24h")
}

// Load builds a Config from defaults, an optional config file at
// configPath (skipped if empty), SOLIDB_*-prefixed environment
// variables, and any flags cmd was invoked with.
func Load(cmd *cobra.Command, configPath string) (Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("SOLIDB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	cfg := Config{
		NodeID:        v.GetString("node-id"),
		Host:          v.GetString("host"),
		Port:          v.GetInt("port"),
		BindAddr:      v.GetString("bind-addr"),
		DataDir:       v.GetString("data-dir"),
		AdminPassword: v.GetString("admin-password"),
		ClusterSecret: v.GetString("cluster-secret"),
		APIKey:        v.GetString("api-key"),
		Database:      v.GetString("database"),
		LogLevel:      v.GetString("log-level"),
		LogJSON:       v.GetBool("log-json"),

		DefaultNumShards:         v.GetInt("default-num-shards"),
		DefaultReplicationFactor: v.GetInt("default-replication-factor"),
		QueryResultLimit:         v.GetInt("query-result-limit"),
		CursorIdleTimeout:        v.GetDuration("cursor-idle-timeout"),
		ReshardBatchSize:         v.GetInt("reshard-batch-size"),
		ReshardMaxRetries:        v.GetInt("reshard-max-retries"),
		TombstoneRetention:       v.GetDuration("tombstone-retention"),
		ReplicationHeartbeat:     v.GetDuration("replication-heartbeat"),
		MissedHeartbeatThreshold: v.GetInt("missed-heartbeat-threshold"),
		JWTTokenTTL:              v.GetDuration("jwt-token-ttl"),
	}

	return cfg, cfg.Validate()
}

// Validate checks the invariants Load can't express through viper
// defaults alone (required fields for a cluster node to start).
func (c Config) Validate() error {
	if c.ClusterSecret == "" {
		return fmt.Errorf("config: cluster-secret (SOLIDB_CLUSTER_SECRET) must be set")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.DefaultNumShards <= 0 {
		return fmt.Errorf("config: default-num-shards must be positive")
	}
	if c.DefaultReplicationFactor <= 0 {
		return fmt.Errorf("config: default-replication-factor must be positive")
	}
	return nil
}
