// Package mcclient is the REST client for a Microclimate server. It issues
// the status, build-log, project-list and action requests used by the
// reconciler and the log pollers, each bounded by a per-request timeout.
package mcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/treykane/mcwatch/internal/model"
	"github.com/treykane/mcwatch/internal/util"
)

const (
	projectsPath = "/api/v1/projects"
	statusPath   = "/api/v1/projects/status"
	actionPath   = "/api/v1/projects/action"

	// BuildLogModifiedHeader carries the build log's last-modified timestamp.
	BuildLogModifiedHeader = "build-log-last-modified"
)

// Client provides typed access to one Microclimate server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	token      func() string
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithToken supplies a bearer token for every request. The function is
// called per request so a refreshed credential is picked up.
func WithToken(fn func() string) Option {
	return func(c *Client) { c.token = fn }
}

// New constructs a Client pointing at the server base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := util.NormalizeBaseURL(base)
	if trimmed == "" {
		return nil, fmt.Errorf("server url is empty")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	cli := &Client{
		baseURL:    trimmed,
		httpClient: &http.Client{},
		timeout:    util.DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL returns the normalized server URL.
func (c *Client) BaseURL() string { return c.baseURL }

// APIError is a non-success HTTP response.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("request failed (%d): %s", e.Status, e.Message)
}

// IsTimeout reports whether err is a request timeout. Timeouts are expected
// while a remote project restarts and are retried on the next poll.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsConnRefused reports whether err means the server itself is unreachable.
func IsConnRefused(err error) bool {
	return err != nil && errors.Is(err, syscall.ECONNREFUSED)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := strings.TrimSpace(c.token()); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}

// send performs req under the client timeout. The caller must close the
// response body when err is nil.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, nil, APIError{Status: resp.StatusCode, Message: msg}
	}
	return resp, cancel, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	resp, cancel, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer cancel()
	defer resp.Body.Close()
	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 64*1024))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(util.DefaultString(payload.Error, payload.Message))
}

// AppStatus returns the raw appStatus string for a project.
func (c *Client) AppStatus(ctx context.Context, projectID string) (string, error) {
	q := url.Values{}
	q.Set("type", "appState")
	q.Set("projectID", projectID)
	var payload struct {
		AppStatus *string `json:"appStatus"`
	}
	if err := c.do(ctx, http.MethodGet, statusPath+"?"+q.Encode(), nil, &payload); err != nil {
		return "", err
	}
	if payload.AppStatus == nil {
		return "", fmt.Errorf("decode response: appStatus missing")
	}
	return *payload.AppStatus, nil
}

func buildLogPath(projectID string) string {
	return fmt.Sprintf("%s/%s/build-log", projectsPath, url.PathEscape(projectID))
}

func parseModified(h http.Header) (int64, error) {
	raw := strings.TrimSpace(h.Get(BuildLogModifiedHeader))
	if raw == "" {
		return 0, nil
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s header %q: %w", BuildLogModifiedHeader, raw, err)
	}
	return ts, nil
}

// BuildLogLastModified issues a HEAD for the build log and returns its
// last-modified timestamp, or 0 when the server did not report one.
func (c *Client) BuildLogLastModified(ctx context.Context, projectID string) (int64, error) {
	resp, cancel, err := c.send(ctx, http.MethodHead, buildLogPath(projectID), nil)
	if err != nil {
		return 0, err
	}
	defer cancel()
	resp.Body.Close()
	return parseModified(resp.Header)
}

// BuildLog fetches the whole build log together with the timestamp the
// server reported for that exact body.
func (c *Client) BuildLog(ctx context.Context, projectID string) (string, int64, error) {
	resp, cancel, err := c.send(ctx, http.MethodGet, buildLogPath(projectID), nil)
	if err != nil {
		return "", 0, err
	}
	defer cancel()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("read build log: %w", err)
	}
	ts, err := parseModified(resp.Header)
	if err != nil {
		return "", 0, err
	}
	return string(body), ts, nil
}

// Project is one entry of the server's project list.
type Project struct {
	ProjectID           string `json:"projectID"`
	Name                string `json:"name"`
	Host                string `json:"host"`
	AppStatus           string `json:"appStatus"`
	BuildStatus         string `json:"buildStatus"`
	DetailedBuildStatus string `json:"detailedBuildStatus"`
	StartMode           string `json:"startMode"`
	Ports               Ports  `json:"ports"`
}

// Ports carries the ports published for a running project.
type Ports struct {
	ExposedPort      string `json:"exposedPort"`
	ExposedDebugPort string `json:"exposedDebugPort"`
}

// ListProjects returns every project the server reports.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.do(ctx, http.MethodGet, projectsPath, nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// Restart asks the server to restart a project in the given mode.
func (c *Client) Restart(ctx context.Context, projectID string, mode model.StartMode) error {
	body := map[string]string{
		"action":    "restart",
		"mode":      string(mode),
		"projectID": projectID,
	}
	return c.do(ctx, http.MethodPost, actionPath, body, nil)
}

// Ping issues a GET against the project list and returns the elapsed time.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.ListProjects(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
