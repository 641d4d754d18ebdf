package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("FIELDSYNC_CONFIG_FILE", path)

	if err := SetKey("server.port", "4300"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := SetKey("cache.skip_waiting", "true"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := SetKey("sync.interval", "2m"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if Location() != path {
		t.Errorf("Location() = %q, want %q", Location(), path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading config file: %v", err)
	}
	for _, want := range []string{`"server.port": 4300`, `"cache.skip_waiting": true`, `"sync.interval": "2m0s"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("config file missing %s:\n%s", want, data)
		}
	}

	cfg, err := loadWith(newPlatformBackend(), &mockKeychain{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4300 || !cfg.Cache.SkipWaiting || cfg.Sync.Interval != 2*time.Minute {
		t.Errorf("cfg = %+v", cfg)
	}

	if err := UnsetKey("server.port"); err != nil {
		t.Fatalf("UnsetKey: %v", err)
	}
	cfg, _ = loadWith(newPlatformBackend(), &mockKeychain{})
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d after unset, want 4100", cfg.Server.Port)
	}
}

func TestFileBackendHandEditedValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "server.port": "4500",
  "sync.auto_clear": "false",
  "sync.interval": 90,
  "cache.max_entry_bytes": 1.5,
  "log.level": "debug"
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(newFileBackend(path), &mockKeychain{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4500 || cfg.Sync.AutoClear || cfg.Log.Level != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Sync.Interval != 90*time.Second {
		t.Errorf("Sync.Interval = %s, want bare number read as seconds", cfg.Sync.Interval)
	}
	if cfg.Cache.MaxEntryBytes != 5<<20 {
		t.Errorf("fractional int should keep default, got %d", cfg.Cache.MaxEntryBytes)
	}
}
