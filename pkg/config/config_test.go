package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/veddb/veddb/pkg/replication"
	"github.com/veddb/veddb/pkg/wal"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default(t.TempDir())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestArenaSizeBytesParsesHumanSizes(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Arena.SizeBytes = "1GiB"
	n, err := cfg.ArenaSizeBytes()
	if err != nil {
		t.Fatalf("ArenaSizeBytes: %v", err)
	}
	if n != 1<<30 {
		t.Fatalf("expected 1GiB in bytes, got %d", n)
	}
}

func TestValidateRejectsBadShardCount(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.KV.NumShards = 3
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for non-power-of-two shard count")
	}
}

func TestValidateRejectsSlaveWithoutMasterAddr(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Replication.Role = "slave"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for slave role without master_addr")
	}
}

func TestToWALConfigMapsFsyncPolicy(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.WAL.FsyncPolicy = "always"
	walCfg, err := cfg.ToWALConfig(nil)
	if err != nil {
		t.Fatalf("ToWALConfig: %v", err)
	}
	if walCfg.FsyncPolicy != wal.FsyncAlways {
		t.Fatalf("expected FsyncAlways, got %v", walCfg.FsyncPolicy)
	}
	if walCfg.Dir != cfg.WAL.Dir {
		t.Fatalf("expected dir %s, got %s", cfg.WAL.Dir, walCfg.Dir)
	}
}

func TestToReplicationConfigMapsRole(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.Replication.Role = "slave"
	cfg.Replication.MasterAddr = "127.0.0.1:6381"
	repCfg, err := cfg.ToReplicationConfig()
	if err != nil {
		t.Fatalf("ToReplicationConfig: %v", err)
	}
	if repCfg.Role != replication.RoleSlave || repCfg.MasterAddr != "127.0.0.1:6381" {
		t.Fatalf("unexpected replication config: %+v", repCfg)
	}
}

func TestLoadOverlaysYAMLOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "veddb.yaml")
	contents := "listen_addr: 0.0.0.0:7000\nkv:\n  num_shards: 32\n"
	if err := os.WriteFile(yamlPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(yamlPath, dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:7000" {
		t.Fatalf("expected overridden listen_addr, got %s", cfg.ListenAddr)
	}
	if cfg.KV.NumShards != 32 {
		t.Fatalf("expected overridden num_shards, got %d", cfg.KV.NumShards)
	}
	// Untouched fields keep their defaults.
	if cfg.Session.Capacity != 1024 {
		t.Fatalf("expected default session capacity, got %d", cfg.Session.Capacity)
	}
}

func TestValidateRejectsUnrecognizedFsyncPolicy(t *testing.T) {
	cfg := Default(t.TempDir())
	cfg.WAL.FsyncPolicy = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for unrecognized fsync policy")
	}
}
