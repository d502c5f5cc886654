package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		DefaultProfile: "work",
		ServerURL:      "https://portal.example.edu",
		SocketURL:      "wss://portal.example.edu/socket",
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.ServerURL != cfg.ServerURL {
		t.Errorf("ServerURL = %q, want %q", loaded.ServerURL, cfg.ServerURL)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSyncDefaults(t *testing.T) {
	var s SyncConfig
	if got := s.ListStaleness(); got != 10*time.Minute {
		t.Errorf("ListStaleness() = %v, want 10m", got)
	}
	if got := s.CreationWindow(); got != time.Minute {
		t.Errorf("CreationWindow() = %v, want 1m", got)
	}
	if got := s.ReconcileDelay(); got != 500*time.Millisecond {
		t.Errorf("ReconcileDelay() = %v, want 500ms", got)
	}
	if got := s.Retries(); got != 2 {
		t.Errorf("Retries() = %d, want 2", got)
	}
}

func TestSyncOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	raw := []byte("server_url = \"https://x\"\n\n[sync]\nlist_staleness_minutes = 3\nsend_retries = 5\n")
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Sync.ListStaleness(); got != 3*time.Minute {
		t.Errorf("ListStaleness() = %v, want 3m", got)
	}
	if got := cfg.Sync.Retries(); got != 5 {
		t.Errorf("Retries() = %d, want 5", got)
	}
	// Unset fields still fall back.
	if got := cfg.Sync.CreationWindow(); got != time.Minute {
		t.Errorf("CreationWindow() = %v, want 1m", got)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultProfile: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
