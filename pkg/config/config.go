// Package config aggregates every subsystem's configuration into one
// validated, loadable server configuration, following the teacher's
// functional-options-plus-validate shape (see e.g. pkg/kv.Option) at a
// higher level: one struct per subsystem, sane defaults, and a Load that
// overlays a YAML file on top of them.
//
// © 2025 arena-cache authors. MIT License.
package config

import (
	"fmt"
	"os"
	"time"

	units "github.com/docker/go-units"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/veddb/veddb/internal/unsafehelpers"
	"github.com/veddb/veddb/pkg/replication"
	"github.com/veddb/veddb/pkg/wal"
)

// ArenaConfig sizes the shared-memory segment the KV engine allocates from.
type ArenaConfig struct {
	SizeBytes string `yaml:"size_bytes"`
}

// KVConfig configures the sharded key-value engine.
type KVConfig struct {
	NumShards               uint64  `yaml:"num_shards"`
	InitialCapacityPerShard uint64  `yaml:"initial_capacity_per_shard"`
	MaxKeySize              string  `yaml:"max_key_size"`
	MaxValueSize            string  `yaml:"max_value_size"`
	TombstoneSweepThreshold float64 `yaml:"tombstone_sweep_threshold"`
	TombstoneSweepInterval  time.Duration `yaml:"tombstone_sweep_interval"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	Dir         string `yaml:"dir"`
	FsyncPolicy string `yaml:"fsync_policy"` // "always" | "every_second" | "disabled"
	MaxFileSize string `yaml:"max_file_size"`
	Compress    bool   `yaml:"compress"`
}

// SessionConfig configures the session registry.
type SessionConfig struct {
	Capacity       int           `yaml:"capacity"`
	RingCapacity   uint64        `yaml:"ring_capacity"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// PubSubConfig configures the topic registry.
type PubSubConfig struct {
	MaxTopics      int `yaml:"max_topics"`
	MaxSubscribers int `yaml:"max_subscribers"`
}

// StorageConfig configures the durable document/metadata store.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// SnapshotConfig configures periodic full-state snapshotting.
type SnapshotConfig struct {
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
}

// ReplicationConfig configures this node's place in the replication topology.
type ReplicationConfig struct {
	Role              string        `yaml:"role"` // "master" | "slave"
	ListenAddr        string        `yaml:"listen_addr"`
	MasterAddr        string        `yaml:"master_addr"`
	MaxSlaves         int           `yaml:"max_slaves"`
	Timeout           time.Duration `yaml:"timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// LogConfig configures the zap logger every subsystem is handed.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
	Format string `yaml:"format"` // "json" | "console"
}

// Config is the full server configuration: one section per subsystem plus
// the network-facing listen address for client connections.
type Config struct {
	ListenAddr  string             `yaml:"listen_addr"`
	Arena       ArenaConfig        `yaml:"arena"`
	KV          KVConfig           `yaml:"kv"`
	WAL         WALConfig          `yaml:"wal"`
	Session     SessionConfig      `yaml:"session"`
	PubSub      PubSubConfig       `yaml:"pubsub"`
	Storage     StorageConfig      `yaml:"storage"`
	Snapshot    SnapshotConfig     `yaml:"snapshot"`
	Replication ReplicationConfig  `yaml:"replication"`
	Log         LogConfig          `yaml:"log"`
}

// Default returns a Config with every subsystem's documented defaults,
// rooted at dataDir for its on-disk state.
func Default(dataDir string) Config {
	return Config{
		ListenAddr: "127.0.0.1:6380",
		Arena:      ArenaConfig{SizeBytes: "256MiB"},
		KV: KVConfig{
			NumShards:               16,
			InitialCapacityPerShard: 1024,
			MaxKeySize:              "64KiB",
			MaxValueSize:            "16MiB",
			TombstoneSweepThreshold: 0.25,
			TombstoneSweepInterval:  30 * time.Second,
		},
		WAL: WALConfig{
			Dir:         dataDir + "/wal",
			FsyncPolicy: "every_second",
			MaxFileSize: "100MiB",
		},
		Session: SessionConfig{
			Capacity:       1024,
			RingCapacity:   256,
			SessionTimeout: 60 * time.Second,
		},
		PubSub: PubSubConfig{
			MaxTopics:      4096,
			MaxSubscribers: 1024,
		},
		Storage:  StorageConfig{Dir: dataDir + "/storage"},
		Snapshot: SnapshotConfig{Dir: dataDir + "/snapshots", Interval: 10 * time.Minute},
		Replication: ReplicationConfig{
			Role:              "master",
			MaxSlaves:         10,
			Timeout:           30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML file at path and overlays it onto Default(dataDir),
// so a config file only needs to name the fields it overrides.
func Load(path string, dataDir string) (Config, error) {
	cfg := Default(dataDir)
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every size string parses and every enum field names a
// recognized value, returning the first problem found.
func (c Config) Validate() error {
	if _, err := c.ArenaSizeBytes(); err != nil {
		return fmt.Errorf("config: arena.size_bytes: %w", err)
	}
	if _, err := c.KVMaxKeySize(); err != nil {
		return fmt.Errorf("config: kv.max_key_size: %w", err)
	}
	if _, err := c.KVMaxValueSize(); err != nil {
		return fmt.Errorf("config: kv.max_value_size: %w", err)
	}
	if !unsafehelpers.IsPowerOfTwo(uintptr(c.KV.NumShards)) {
		return fmt.Errorf("config: kv.num_shards must be a power of two, got %d", c.KV.NumShards)
	}
	if _, err := c.WALMaxFileSize(); err != nil {
		return fmt.Errorf("config: wal.max_file_size: %w", err)
	}
	if _, err := c.WALFsyncPolicy(); err != nil {
		return err
	}
	if _, err := c.ReplicationRole(); err != nil {
		return err
	}
	if c.Replication.Role == "slave" && c.Replication.MasterAddr == "" {
		return fmt.Errorf("config: replication.master_addr is required when role is slave")
	}
	return nil
}

// ArenaSizeBytes parses Arena.SizeBytes ("256MiB", "1GB", ...) via go-units,
// the same human-friendly size notation the teacher's disk_eject example uses.
func (c Config) ArenaSizeBytes() (int64, error) { return units.RAMInBytes(c.Arena.SizeBytes) }

// KVMaxKeySize parses KV.MaxKeySize into bytes.
func (c Config) KVMaxKeySize() (uint32, error) {
	n, err := units.RAMInBytes(c.KV.MaxKeySize)
	return uint32(n), err
}

// KVMaxValueSize parses KV.MaxValueSize into bytes.
func (c Config) KVMaxValueSize() (uint32, error) {
	n, err := units.RAMInBytes(c.KV.MaxValueSize)
	return uint32(n), err
}

// WALMaxFileSize parses WAL.MaxFileSize into bytes.
func (c Config) WALMaxFileSize() (uint64, error) {
	n, err := units.RAMInBytes(c.WAL.MaxFileSize)
	return uint64(n), err
}

// WALFsyncPolicy translates the YAML string into wal.FsyncPolicy.
func (c Config) WALFsyncPolicy() (wal.FsyncPolicy, error) {
	switch c.WAL.FsyncPolicy {
	case "always":
		return wal.FsyncAlways, nil
	case "every_second":
		return wal.FsyncEverySecond, nil
	case "disabled":
		return wal.FsyncDisabled, nil
	default:
		return 0, fmt.Errorf("config: wal.fsync_policy: unrecognized value %q", c.WAL.FsyncPolicy)
	}
}

// ToWALConfig builds a wal.Config from this section, ready to pass to wal.NewWriter.
func (c Config) ToWALConfig(logger *zap.Logger) (wal.Config, error) {
	policy, err := c.WALFsyncPolicy()
	if err != nil {
		return wal.Config{}, err
	}
	maxSize, err := c.WALMaxFileSize()
	if err != nil {
		return wal.Config{}, err
	}
	return wal.Config{
		Dir:         c.WAL.Dir,
		FsyncPolicy: policy,
		MaxFileSize: maxSize,
		Compress:    c.WAL.Compress,
		Logger:      logger,
	}, nil
}

// ReplicationRole translates the YAML string into replication.Role.
func (c Config) ReplicationRole() (replication.Role, error) {
	switch c.Replication.Role {
	case "master":
		return replication.RoleMaster, nil
	case "slave":
		return replication.RoleSlave, nil
	default:
		return 0, fmt.Errorf("config: replication.role: unrecognized value %q", c.Replication.Role)
	}
}

// ToReplicationConfig builds a replication.Config from this section.
func (c Config) ToReplicationConfig() (replication.Config, error) {
	role, err := c.ReplicationRole()
	if err != nil {
		return replication.Config{}, err
	}
	cfg := replication.DefaultConfig()
	cfg.Role = role
	cfg.MasterAddr = c.Replication.MasterAddr
	cfg.ListenAddr = c.Replication.ListenAddr
	cfg.MaxSlaves = c.Replication.MaxSlaves
	cfg.Timeout = c.Replication.Timeout
	cfg.HeartbeatInterval = c.Replication.HeartbeatInterval
	return cfg, nil
}

// BuildLogger constructs the zap.Logger every subsystem is handed, per
// Log.Level/Log.Format.
func (c Config) BuildLogger() (*zap.Logger, error) {
	var zcfg zap.Config
	switch c.Log.Format {
	case "console":
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("config: log.level: %w", err)
	}
	zcfg.Level = level
	return zcfg.Build()
}
