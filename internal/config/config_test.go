package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")
	path := writeConfig(t, "config.json", `{
		"telegram": {"token": "123:abc"},
		"photos": {"dir": "./pics"},
		"scheduler": {"timezone": "UTC", "default_time": "08:15"}
	}`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Photos.Dir != "./pics" {
		t.Fatalf("photos dir = %q", cfg.Photos.Dir)
	}
	if cfg.Scheduler.DefaultTime != "08:15" {
		t.Fatalf("default time = %q", cfg.Scheduler.DefaultTime)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", strings.Join([]string{
		"telegram:",
		"  token: 123:abc",
		"photos:",
		"  dir: ./pics",
		"logging:",
		"  level: debug",
		"  console: true",
	}, "\n"))

	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
}

func TestDefaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{"telegram": {"token": "x"}}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Photos.Dir != "./photos" {
		t.Fatalf("photos dir default = %q", cfg.Photos.Dir)
	}
	if cfg.Scheduler.Timezone != "America/Argentina/Buenos_Aires" {
		t.Fatalf("timezone default = %q", cfg.Scheduler.Timezone)
	}
	if cfg.Scheduler.DefaultTime != "10:00" {
		t.Fatalf("default time = %q", cfg.Scheduler.DefaultTime)
	}
}

func TestEnvTokenOverride(t *testing.T) {
	t.Setenv("BOT_TOKEN", "env-token")
	path := writeConfig(t, "config.json", `{"telegram": {"token": "file-token"}}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q, want env override", cfg.Telegram.Token)
	}
}

func TestMissingTokenRejected(t *testing.T) {
	t.Setenv("BOT_TOKEN", "")
	path := writeConfig(t, "config.json", `{"telegram": {}}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected missing-token error")
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, "config.json", `{"telegram": {"token": "x"}, "nope": 1}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestBadTimezoneRejected(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"telegram": {"token": "x"},
		"scheduler": {"timezone": "Not/AZone"}
	}`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("expected timezone error")
	}
}
