package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPAddr != ":8081" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("DatabaseURL = %q, want empty (memory mode)", cfg.DatabaseURL)
	}
	if cfg.DBMaxConns != 20 {
		t.Errorf("DBMaxConns = %d", cfg.DBMaxConns)
	}
	if cfg.GraceWindow != 30*24*time.Hour {
		t.Errorf("GraceWindow = %v", cfg.GraceWindow)
	}
	if cfg.OutboxSize != 1024 {
		t.Errorf("OutboxSize = %d", cfg.OutboxSize)
	}
	if cfg.HeartbeatInterval != 15*time.Second || cfg.HeartbeatMisses != 3 {
		t.Errorf("heartbeat = %v x %d", cfg.HeartbeatInterval, cfg.HeartbeatMisses)
	}
	if cfg.MaxBatchOps != 100 || cfg.MaxPullLimit != 500 {
		t.Errorf("limits = %d / %d", cfg.MaxBatchOps, cfg.MaxPullLimit)
	}
	if cfg.ReorderBuffer != 64 || cfg.ReorderTimeout != 2*time.Second {
		t.Errorf("reorder = %d / %v", cfg.ReorderBuffer, cfg.ReorderTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("RECONNECT_WINDOW", "90s")
	t.Setenv("MAX_BATCH_OPS", "25")
	t.Setenv("AUTH_DEV_MODE", "true")

	cfg := Load()
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.ReconnectWindow != 90*time.Second {
		t.Errorf("ReconnectWindow = %v", cfg.ReconnectWindow)
	}
	if cfg.MaxBatchOps != 25 {
		t.Errorf("MaxBatchOps = %d", cfg.MaxBatchOps)
	}
	if !cfg.AuthDevMode {
		t.Error("AuthDevMode not set")
	}
}

func TestLoadKeepsDefaultOnGarbage(t *testing.T) {
	t.Setenv("MAX_BATCH_OPS", "many")
	t.Setenv("RECONNECT_WINDOW", "soon")
	t.Setenv("AUTH_DEV_MODE", "yep")

	cfg := Load()
	if cfg.MaxBatchOps != 100 {
		t.Errorf("MaxBatchOps = %d, want default 100", cfg.MaxBatchOps)
	}
	if cfg.ReconnectWindow != 60*time.Second {
		t.Errorf("ReconnectWindow = %v, want default 60s", cfg.ReconnectWindow)
	}
	if cfg.AuthDevMode {
		t.Error("AuthDevMode = true from unparseable value")
	}
}
