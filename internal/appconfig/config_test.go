package appconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_CreatesDefaults(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollInterval() != 2*time.Second {
		t.Fatalf("unexpected poll interval: %s", cfg.PollInterval())
	}
	if cfg.BuildLogInterval() != 5*time.Second {
		t.Fatalf("unexpected build log interval: %s", cfg.BuildLogInterval())
	}
	if cfg.Debug.TimeoutSeconds != 60 {
		t.Fatalf("unexpected debug timeout: %d", cfg.Debug.TimeoutSeconds)
	}
	if _, err := os.Stat(filepath.Join(xdg, "mcwatch", "config.yaml")); err != nil {
		t.Fatalf("expected config file to be written: %v", err)
	}
}

func TestLoad_NormalizesInvalidValues(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	dir := filepath.Join(xdg, "mcwatch")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	content := []byte(strings.Join([]string{
		"connections:",
		"  - url: mc.local:9090/",
		"reconcile:",
		"  poll_interval_ms: -5",
		"  request_timeout_ms: 0",
		"logs:",
		"  build_poll_seconds: 0",
		"debug:",
		"  timeout_seconds: -1",
		"  client_command: \"\"",
		"log:",
		"  level: debug",
		"",
	}, "\n"))
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Reconcile.PollIntervalMS != 2000 || cfg.Reconcile.RequestTimeoutMS != 5000 {
		t.Fatalf("expected normalized reconcile settings, got %+v", cfg.Reconcile)
	}
	if cfg.Logs.BuildPollSeconds != 5 {
		t.Fatalf("expected default build poll, got %d", cfg.Logs.BuildPollSeconds)
	}
	if cfg.Debug.TimeoutSeconds != 60 || cfg.Debug.ClientCommand != "jdb" {
		t.Fatalf("expected normalized debug settings, got %+v", cfg.Debug)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Fatalf("expected debug level, got %s", cfg.SlogLevel())
	}
	if len(cfg.Connections) != 1 || cfg.Connections[0].URL != "http://mc.local:9090" || cfg.Connections[0].Name != "conn0" {
		t.Fatalf("unexpected connections: %+v", cfg.Connections)
	}
	if cfg.Connections[0].Host() != "http://mc.local:9090" {
		t.Fatalf("unexpected host id: %s", cfg.Connections[0].Host())
	}
}

func TestFindConnection(t *testing.T) {
	cfg := Default()
	if _, err := cfg.FindConnection(""); err == nil {
		t.Fatal("expected error with no connections")
	}
	cfg.Connections = []ConnectionConfig{{Name: "local", URL: "http://a"}, {Name: "icp", URL: "http://b"}}
	c, err := cfg.FindConnection("")
	if err != nil || c.Name != "local" {
		t.Fatalf("expected first connection, got %+v %v", c, err)
	}
	c, err = cfg.FindConnection("icp")
	if err != nil || c.URL != "http://b" {
		t.Fatalf("expected icp, got %+v %v", c, err)
	}
	if _, err := cfg.FindConnection("missing"); err == nil {
		t.Fatal("expected not found")
	}
}
