package doctor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/treykane/mcwatch/internal/appconfig"
	"github.com/treykane/mcwatch/internal/credstore"
)

type fakeCreds map[string]credstore.Credential

func (f fakeCreds) Get(host string) (credstore.Credential, bool, error) {
	c, ok := f[host]
	return c, ok, nil
}

func findIssue(report Report, check, target string) (Issue, bool) {
	for _, issue := range report.Issues {
		if issue.Check == check && issue.Target == target {
			return issue, true
		}
	}
	return Issue{}, false
}

func closedPortURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return "http://" + addr
}

func TestRunClassifiesConnections(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer ok.Close()
	denied := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"login required"}`, http.StatusUnauthorized)
	}))
	defer denied.Close()

	cfg := appconfig.Default()
	cfg.Connections = []appconfig.ConnectionConfig{
		{Name: "good", URL: ok.URL, HostID: "good"},
		{Name: "locked", URL: denied.URL, HostID: "locked"},
		{Name: "down", URL: closedPortURL(t), HostID: "down"},
	}
	cfg.Debug.ClientCommand = "definitely-not-a-debugger-binary"
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	creds := fakeCreds{
		"good":   {Host: "good", Token: "t", ExpiresAt: now.Add(time.Hour)},
		"locked": {Host: "locked", Token: "t", ExpiresAt: now.Add(-time.Hour)},
	}

	report, err := Run(context.Background(), cfg, Options{Credentials: creds, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatal(err)
	}
	if _, found := findIssue(report, "connection-refused", "down"); !found {
		t.Fatalf("expected connection-refused for down, got %+v", report.Issues)
	}
	if _, found := findIssue(report, "connection-unauthorized", "locked"); !found {
		t.Fatalf("expected connection-unauthorized for locked, got %+v", report.Issues)
	}
	if _, found := findIssue(report, "credentials-expired", "locked"); !found {
		t.Fatalf("expected credentials-expired for locked, got %+v", report.Issues)
	}
	if _, found := findIssue(report, "credentials-missing", "down"); !found {
		t.Fatalf("expected credentials-missing for down, got %+v", report.Issues)
	}
	if _, found := findIssue(report, "debug-client", "PATH"); !found {
		t.Fatalf("expected debug-client issue, got %+v", report.Issues)
	}
	for _, issue := range report.Issues {
		if issue.Target == "good" {
			t.Fatalf("healthy connection must not report issues: %+v", issue)
		}
	}
	for i := 1; i < len(report.Issues); i++ {
		if severityRank(report.Issues[i-1].Severity) < severityRank(report.Issues[i].Severity) {
			t.Fatalf("issues not sorted by severity: %+v", report.Issues)
		}
	}
}

func TestRunWithoutConnections(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	report, err := Run(context.Background(), appconfig.Default(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, found := findIssue(report, "no-connections", "config.yaml"); !found {
		t.Fatalf("expected no-connections issue, got %+v", report.Issues)
	}

	b, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["issues"]; !ok {
		t.Fatalf("expected issues key in json output: %s", string(b))
	}
}

func TestRunIncludesSecurityAudit(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := appconfig.Default()
	cfg.Metrics.Listen = "0.0.0.0:9464"
	report, err := Run(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, found := findIssue(report, "security-audit", "metrics.listen"); !found {
		t.Fatalf("expected security-audit issue, got %+v", report.Issues)
	}
}
