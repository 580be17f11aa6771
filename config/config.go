// Package config loads broker configuration from a file and flags.
package config

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/klev-dev/kleverr"
)

const (
	RoleMaster = "master"
	RoleSlave  = "slave"
)

type Config struct {
	Role    string `mapstructure:"role"`
	DataDir string `mapstructure:"data-dir"`

	HAListenAddr    string `mapstructure:"ha-listen-addr"`
	MasterAddr      string `mapstructure:"master-addr"`
	SyncReplication bool   `mapstructure:"sync-replication"`

	MetricsAddr string `mapstructure:"metrics-addr"`

	IndexSlotCount int32 `mapstructure:"index-slot-count"`
	IndexMaxCount  int32 `mapstructure:"index-max-count"`
	MaxQueryCount  int   `mapstructure:"max-query-count"`

	TransferBatch        int           `mapstructure:"transfer-batch"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat-interval"`
	HousekeepingInterval time.Duration `mapstructure:"housekeeping-interval"`
	ReconnectBackoff     time.Duration `mapstructure:"reconnect-backoff"`
	FallbehindMax        int64         `mapstructure:"fallbehind-max"`
}

func Default() Config {
	return Config{
		Role:    RoleMaster,
		DataDir: "./data",

		HAListenAddr: ":10912",

		IndexSlotCount: 500_000,
		IndexMaxCount:  2_000_000,
		MaxQueryCount:  64,

		TransferBatch:        32 * 1024,
		HeartbeatInterval:    5 * time.Second,
		HousekeepingInterval: 20 * time.Second,
		ReconnectBackoff:     5 * time.Second,
		FallbehindMax:        256 * 1024 * 1024,
	}
}

// Load reads configuration from path (optional) layered over defaults
// and the given flag set (optional, may be nil).
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("role", def.Role)
	v.SetDefault("data-dir", def.DataDir)
	v.SetDefault("ha-listen-addr", def.HAListenAddr)
	v.SetDefault("master-addr", def.MasterAddr)
	v.SetDefault("sync-replication", def.SyncReplication)
	v.SetDefault("metrics-addr", def.MetricsAddr)
	v.SetDefault("index-slot-count", def.IndexSlotCount)
	v.SetDefault("index-max-count", def.IndexMaxCount)
	v.SetDefault("max-query-count", def.MaxQueryCount)
	v.SetDefault("transfer-batch", def.TransferBatch)
	v.SetDefault("heartbeat-interval", def.HeartbeatInterval)
	v.SetDefault("housekeeping-interval", def.HousekeepingInterval)
	v.SetDefault("reconnect-backoff", def.ReconnectBackoff)
	v.SetDefault("fallbehind-max", def.FallbehindMax)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, kleverr.Newf("could not bind flags: %w", err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, kleverr.Newf("could not read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, kleverr.Newf("could not unmarshal config: %w", err)
	}

	if cfg.Role != RoleMaster && cfg.Role != RoleSlave {
		return Config{}, kleverr.Newf("unknown role: %s", cfg.Role)
	}
	if cfg.Role == RoleSlave && cfg.MasterAddr == "" {
		return Config{}, kleverr.Newf("slave role needs master-addr")
	}

	return cfg, nil
}
