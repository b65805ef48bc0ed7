package syncconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTestConfig creates a temp HOME with ~/.config/tasksync/config.json.
func writeTestConfig(t *testing.T, cfg *Config) {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	dir := filepath.Join(tmpDir, ".config", "tasksync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func boolPtr(b bool) *bool { return &b }

func TestServerURLDefault(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TASKSYNC_URL", "")
	if url := GetServerURL(); url != defaultServerURL {
		t.Errorf("default url = %q, want %q", url, defaultServerURL)
	}
}

func TestServerURLFromAuth(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TASKSYNC_URL", "")
	if err := SaveAuth(&AuthCredentials{ServerURL: "https://sync.example.com"}); err != nil {
		t.Fatalf("save auth: %v", err)
	}
	if url := GetServerURL(); url != "https://sync.example.com" {
		t.Errorf("url = %q, want linked server", url)
	}
}

func TestServerURLEnvOverrides(t *testing.T) {
	writeTestConfig(t, &Config{Sync: SyncConfig{URL: "https://config.example.com"}})
	t.Setenv("TASKSYNC_URL", "https://env.example.com")
	if url := GetServerURL(); url != "https://env.example.com" {
		t.Errorf("url = %q, env should win", url)
	}
}

func TestDeviceIDIsStable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	first, err := GetDeviceID()
	if err != nil {
		t.Fatalf("first device id: %v", err)
	}
	if first == "" {
		t.Fatal("empty device id")
	}
	second, err := GetDeviceID()
	if err != nil {
		t.Fatalf("second device id: %v", err)
	}
	if first != second {
		t.Errorf("device id changed between calls: %q vs %q", first, second)
	}
}

func TestAuthRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("TASKSYNC_API_KEY", "")

	if creds, err := LoadAuth(); err != nil || creds != nil {
		t.Fatalf("unlinked machine: creds=%v err=%v", creds, err)
	}
	if IsAuthenticated() {
		t.Error("authenticated without credentials")
	}

	in := &AuthCredentials{APIKey: "k-123", ServerURL: "https://s", DeviceID: "d-1"}
	if err := SaveAuth(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := GetAPIKey(); got != "k-123" {
		t.Errorf("api key = %q", got)
	}
	if !IsAuthenticated() {
		t.Error("expected authenticated after save")
	}

	if err := ClearAuth(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if IsAuthenticated() {
		t.Error("still authenticated after clear")
	}
	if err := ClearAuth(); err != nil {
		t.Errorf("second clear should be a no-op: %v", err)
	}
}

func TestAutoSyncEnabledFromConfig(t *testing.T) {
	writeTestConfig(t, &Config{Sync: SyncConfig{Auto: AutoSyncConfig{Enabled: boolPtr(false)}}})
	t.Setenv("TASKSYNC_AUTO", "")
	if GetAutoSyncEnabled() {
		t.Error("expected auto-sync disabled from config")
	}
}

func TestAutoSyncDebounceFromConfig(t *testing.T) {
	writeTestConfig(t, &Config{Sync: SyncConfig{Auto: AutoSyncConfig{Debounce: "10s"}}})
	t.Setenv("TASKSYNC_AUTO_DEBOUNCE", "")
	if d := GetAutoSyncDebounce(); d != 10*time.Second {
		t.Errorf("expected 10s from config, got %v", d)
	}
}

func TestAutoSyncIntervalFromConfig(t *testing.T) {
	writeTestConfig(t, &Config{Sync: SyncConfig{Auto: AutoSyncConfig{Interval: "15m"}}})
	t.Setenv("TASKSYNC_AUTO_INTERVAL", "")
	if d := GetAutoSyncInterval(); d != 15*time.Minute {
		t.Errorf("expected 15m from config, got %v", d)
	}
}

func TestAutoSyncEnvOverridesConfig(t *testing.T) {
	writeTestConfig(t, &Config{Sync: SyncConfig{Auto: AutoSyncConfig{
		Enabled:  boolPtr(false),
		Debounce: "10s",
		Interval: "15m",
	}}})

	t.Setenv("TASKSYNC_AUTO", "true")
	if !GetAutoSyncEnabled() {
		t.Error("env should override config for enabled")
	}

	t.Setenv("TASKSYNC_AUTO_DEBOUNCE", "500ms")
	if d := GetAutoSyncDebounce(); d != 500*time.Millisecond {
		t.Errorf("env should override config for debounce, got %v", d)
	}

	t.Setenv("TASKSYNC_AUTO_INTERVAL", "30s")
	if d := GetAutoSyncInterval(); d != 30*time.Second {
		t.Errorf("env should override config for interval, got %v", d)
	}
}
