package security

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/treykane/mcwatch/internal/appconfig"
)

func TestRunLocalAudit_FindsPlainHTTPAndPublicMetrics(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := appconfig.Default()
	cfg.Connections = []appconfig.ConnectionConfig{
		{Name: "remote", URL: "http://mc.example:9090"},
		{Name: "local", URL: "http://127.0.0.1:9090"},
		{Name: "secure", URL: "https://mc.example"},
	}
	cfg.Metrics.Listen = ":9464"

	report, err := RunLocalAudit(cfg)
	if err != nil {
		t.Fatal(err)
	}
	targets := map[string]bool{}
	for _, f := range report.Findings {
		targets[f.Target] = true
	}
	if !targets["remote"] || targets["local"] || targets["secure"] {
		t.Fatalf("expected only the remote plain-http connection, got %+v", report.Findings)
	}
	if !targets["metrics.listen"] {
		t.Fatalf("expected metrics finding, got %+v", report.Findings)
	}
}

func TestRunLocalAudit_FindsLoosePermissions(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	dir := filepath.Join(xdg, "mcwatch")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("connections: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "identity.txt"), []byte("AGE-SECRET-KEY-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Chmod explicitly so the umask cannot tighten the modes.
	for _, name := range []string{"config.yaml", "identity.txt"} {
		if err := os.Chmod(filepath.Join(dir, name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	report, err := RunLocalAudit(appconfig.Default())
	if err != nil {
		t.Fatal(err)
	}
	if !report.HasHigh() {
		t.Fatalf("a readable identity must be high severity: %+v", report.Findings)
	}
	found := false
	for _, f := range report.Findings {
		if strings.HasSuffix(f.Target, "config.yaml") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected config.yaml permission finding, got %+v", report.Findings)
	}
}

func TestRedactMessage(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	msg := "callback mcwatch://cb#access_token=abc.def&state=xyz failed reading " + home + "/.config/mcwatch/identity.txt (Authorization: Bearer eyJhbGci.x.y)"
	got := RedactMessage(msg)
	for _, secret := range []string{"abc.def", "xyz", "eyJhbGci", home} {
		if strings.Contains(got, secret) {
			t.Fatalf("expected %q to be redacted: %s", secret, got)
		}
	}
	if !strings.Contains(got, "~/.config/mcwatch/identity.txt") {
		t.Fatalf("expected home to be shortened: %s", got)
	}
	if UserMessage(errors.New("access_token=zzz")) != "access_token=[redacted]" {
		t.Fatalf("unexpected user message")
	}
}
