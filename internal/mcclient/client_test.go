package mcclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/treykane/mcwatch/internal/model"
)

func TestAppStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != statusPath || r.URL.Query().Get("type") != "appState" || r.URL.Query().Get("projectID") != "p1" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		_, _ = w.Write([]byte(`{"appStatus":"started"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithToken(func() string { return "tok" }))
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.AppStatus(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "started" {
		t.Fatalf("expected started, got %q", got)
	}
}

func TestAppStatusMissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c, _ := New(srv.URL)
	if _, err := c.AppStatus(context.Background(), "p1"); err == nil {
		t.Fatal("expected error for missing appStatus")
	}
}

func TestAPIErrorOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"project not found"}`))
	}))
	defer srv.Close()
	c, _ := New(srv.URL)
	_, err := c.AppStatus(context.Background(), "p1")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "project not found" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestTimeoutClassification(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, _ := New(srv.URL, WithTimeout(50*time.Millisecond))
	_, err := c.AppStatus(context.Background(), "p1")
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if IsConnRefused(err) {
		t.Fatal("timeout must not look like connection refused")
	}
}

func TestConnRefusedClassification(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	c, _ := New("http://" + addr)
	_, err = c.AppStatus(context.Background(), "p1")
	if !IsConnRefused(err) {
		t.Fatalf("expected connection refused, got %v", err)
	}
	if IsTimeout(err) {
		t.Fatal("connection refused must not look like a timeout")
	}
}

func TestBuildLogHeadAndGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/projects/p1/build-log" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set(BuildLogModifiedHeader, "1700000000123")
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte("step 1\nstep 2\n"))
		}
	}))
	defer srv.Close()
	c, _ := New(srv.URL)

	ts, err := c.BuildLogLastModified(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if ts != 1700000000123 {
		t.Fatalf("unexpected timestamp %d", ts)
	}
	body, ts2, err := c.BuildLog(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if body != "step 1\nstep 2\n" || ts2 != ts {
		t.Fatalf("unexpected build log %q %d", body, ts2)
	}
}

func TestRestartPostsAction(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != actionPath {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()
	c, _ := New(srv.URL)
	if err := c.Restart(context.Background(), "p1", model.StartDebug); err != nil {
		t.Fatal(err)
	}
	if got["action"] != "restart" || got["mode"] != "debug" || got["projectID"] != "p1" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestListProjects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"projectID":"p1","name":"api","appStatus":"started","ports":{"exposedPort":"32001","exposedDebugPort":"32002"}}]`))
	}))
	defer srv.Close()
	c, _ := New(srv.URL)
	projects, err := c.ListProjects(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0].Name != "api" || projects[0].Ports.ExposedDebugPort != "32002" {
		t.Fatalf("unexpected projects %+v", projects)
	}
}
