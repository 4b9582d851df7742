// Package connection holds the client-side view of one Microclimate server:
// the applications it reports, keyed by project ID, and the single socket
// shared by every log subscription against that server.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/treykane/mcwatch/internal/mcclient"
	"github.com/treykane/mcwatch/internal/model"
	"github.com/treykane/mcwatch/internal/util"
)

// Transport is the shared push channel to the server. The real
// implementation is Socket; tests substitute a recorder.
type Transport interface {
	Send(event string, data any) error
	Close() error
}

// LogListener receives the full current contents of one log each time the
// server pushes an update for it.
type LogListener interface {
	OnLog(contents string)
}

type logKey struct {
	projectID string
	source    model.LogSource
}

// Connection tracks the applications of one server and multiplexes log
// registrations over its transport.
type Connection struct {
	name   string
	client *mcclient.Client

	mu        sync.RWMutex
	apps      map[string]*Application
	transport Transport
	onRemove  []func(projectID string)

	regMu     sync.Mutex
	listeners map[logKey]map[string]LogListener
	regKeys   map[string]logKey
}

// New creates a connection around a REST client. The transport is attached
// later with SetTransport once the socket is dialed.
func New(name string, client *mcclient.Client) *Connection {
	return &Connection{
		name:      name,
		client:    client,
		apps:      make(map[string]*Application),
		listeners: make(map[logKey]map[string]LogListener),
		regKeys:   make(map[string]logKey),
	}
}

func (c *Connection) Name() string { return c.name }

// BaseURL is the connection identity.
func (c *Connection) BaseURL() string { return c.client.BaseURL() }

func (c *Connection) Client() *mcclient.Client { return c.client }

// SetTransport installs the shared transport and re-sends subscriptions for
// every log that already has listeners.
func (c *Connection) SetTransport(t Transport) {
	c.mu.Lock()
	old := c.transport
	c.transport = t
	c.mu.Unlock()
	if old != nil && old != t {
		_ = old.Close()
	}
	c.regMu.Lock()
	keys := make([]logKey, 0, len(c.listeners))
	for k := range c.listeners {
		keys = append(keys, k)
	}
	c.regMu.Unlock()
	for _, k := range keys {
		c.sendLogControl("log-subscribe", k)
	}
}

// OnRemove registers a hook called after an application leaves the
// connection, either because the server stopped reporting it or because it
// was removed explicitly.
func (c *Connection) OnRemove(fn func(projectID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemove = append(c.onRemove, fn)
}

// Add registers an application. An existing entry with the same project ID is
// returned unchanged.
func (c *Connection) Add(app *Application) *Application {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.apps[app.ProjectID()]; ok {
		return cur
	}
	c.apps[app.ProjectID()] = app
	return app
}

// Get looks an application up by project ID.
func (c *Connection) Get(projectID string) (*Application, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	app, ok := c.apps[projectID]
	return app, ok
}

// Find looks an application up by project ID first, then by name.
func (c *Connection) Find(idOrName string) (*Application, error) {
	if app, ok := c.Get(idOrName); ok {
		return app, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, app := range c.apps {
		if app.Name() == idOrName {
			return app, nil
		}
	}
	return nil, fmt.Errorf("application not found: %s", idOrName)
}

// Apps returns the tracked applications sorted by name.
func (c *Connection) Apps() []*Application {
	c.mu.RLock()
	out := make([]*Application, 0, len(c.apps))
	for _, app := range c.apps {
		out = append(out, app)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Remove deletes an application and runs the removal hooks.
func (c *Connection) Remove(projectID string) bool {
	c.mu.Lock()
	_, ok := c.apps[projectID]
	delete(c.apps, projectID)
	hooks := append([]func(string){}, c.onRemove...)
	c.mu.Unlock()
	if !ok {
		return false
	}
	for _, fn := range hooks {
		fn(projectID)
	}
	return true
}

// Refresh reconciles the application set with the server's project list.
// Newly reported projects are created; projects no longer reported are
// removed. It returns the IDs of both groups.
func (c *Connection) Refresh(ctx context.Context) (added, removed []string, err error) {
	projects, err := c.client.ListProjects(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list projects: %w", err)
	}
	seen := make(map[string]struct{}, len(projects))
	for _, p := range projects {
		if strings.TrimSpace(p.ProjectID) == "" {
			continue
		}
		seen[p.ProjectID] = struct{}{}
		app, exists := c.Get(p.ProjectID)
		if !exists {
			app = c.Add(NewApplication(p.ProjectID, p.Name, p.Host))
			if st, ok := model.ParseAppState(p.AppStatus); ok {
				app.SetAppState(st)
			}
			added = append(added, p.ProjectID)
		} else {
			app.setIdentity(p.Name, p.Host)
		}
		app.SetBuildStatus(model.ParseBuildStatus(p.BuildStatus), p.DetailedBuildStatus)
		if mode, ok := model.ParseStartMode(p.StartMode); ok {
			app.SetStartMode(mode)
		}
		if port, err := util.ParsePort(p.Ports.ExposedPort); err == nil {
			app.SetExposedPort(port)
		}
	}
	c.mu.RLock()
	for id := range c.apps {
		if _, ok := seen[id]; !ok {
			removed = append(removed, id)
		}
	}
	c.mu.RUnlock()
	for _, id := range removed {
		c.Remove(id)
	}
	return added, removed, nil
}

// RegisterLogListener subscribes l to pushed updates for one log of one
// project. The first listener for a log sends log-subscribe on the shared
// transport. The returned ID is passed to UnregisterLogListener.
func (c *Connection) RegisterLogListener(projectID string, source model.LogSource, l LogListener) string {
	key := logKey{projectID: projectID, source: source}
	id := uuid.NewString()
	c.regMu.Lock()
	set, ok := c.listeners[key]
	if !ok {
		set = make(map[string]LogListener)
		c.listeners[key] = set
	}
	set[id] = l
	c.regKeys[id] = key
	first := len(set) == 1
	c.regMu.Unlock()
	if first {
		c.sendLogControl("log-subscribe", key)
	}
	return id
}

// UnregisterLogListener removes a registration. Unknown or already removed
// IDs are ignored, and a transport that already dropped the subscription is
// not an error.
func (c *Connection) UnregisterLogListener(id string) {
	c.regMu.Lock()
	key, ok := c.regKeys[id]
	if !ok {
		c.regMu.Unlock()
		return
	}
	delete(c.regKeys, id)
	set := c.listeners[key]
	delete(set, id)
	last := len(set) == 0
	if last {
		delete(c.listeners, key)
	}
	c.regMu.Unlock()
	if last {
		c.sendLogControl("log-unsubscribe", key)
	}
}

// ListenerCount reports how many registrations exist for one log.
func (c *Connection) ListenerCount(projectID string, source model.LogSource) int {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return len(c.listeners[logKey{projectID: projectID, source: source}])
}

func (c *Connection) sendLogControl(event string, key logKey) {
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	if t == nil {
		return
	}
	payload := map[string]string{"projectID": key.projectID, "logType": string(key.source)}
	if err := t.Send(event, payload); err != nil {
		slog.Debug("log control not delivered", "connection", c.name, "event", event, "project", key.projectID, "error", err)
	}
}

// Close shuts the transport down. Registrations are kept so a new transport
// can resubscribe them.
func (c *Connection) Close() error {
	c.mu.Lock()
	t := c.transport
	c.transport = nil
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

// Event is one message pushed by the server.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

type logUpdate struct {
	ProjectID string `json:"projectID"`
	LogType   string `json:"logType"`
	Logs      string `json:"logs"`
}

type restartResult struct {
	ProjectID string `json:"projectID"`
	Status    string `json:"status"`
	StartMode string `json:"startMode"`
	Ports     struct {
		DebugPort   string `json:"debugPort"`
		ExposedPort string `json:"exposedPort"`
	} `json:"ports"`
}

type statusChanged struct {
	ProjectID           string `json:"projectID"`
	BuildStatus         string `json:"buildStatus"`
	DetailedBuildStatus string `json:"detailedBuildStatus"`
}

// HandleEvent applies one pushed event. Malformed payloads are logged and
// dropped.
func (c *Connection) HandleEvent(evt Event) {
	switch evt.Name {
	case "log-update":
		var u logUpdate
		if err := json.Unmarshal(evt.Data, &u); err != nil {
			slog.Warn("malformed log-update event", "connection", c.name, "error", err)
			return
		}
		c.dispatchLog(logKey{projectID: u.ProjectID, source: model.LogSource(u.LogType)}, u.Logs)
	case "projectRestartResult":
		var r restartResult
		if err := json.Unmarshal(evt.Data, &r); err != nil {
			slog.Warn("malformed restart result event", "connection", c.name, "error", err)
			return
		}
		app, ok := c.Get(r.ProjectID)
		if !ok {
			return
		}
		if !strings.EqualFold(r.Status, "success") {
			slog.Warn("project restart failed", "connection", c.name, "project", r.ProjectID, "status", r.Status)
			return
		}
		if mode, ok := model.ParseStartMode(r.StartMode); ok {
			app.SetStartMode(mode)
		}
		if port, err := util.ParsePort(r.Ports.ExposedPort); err == nil {
			app.SetExposedPort(port)
		}
		if port, err := util.ParsePort(r.Ports.DebugPort); err == nil {
			app.SetDebugPort(port)
		}
	case "projectStatusChanged":
		var s statusChanged
		if err := json.Unmarshal(evt.Data, &s); err != nil {
			slog.Warn("malformed status event", "connection", c.name, "error", err)
			return
		}
		if app, ok := c.Get(s.ProjectID); ok && s.BuildStatus != "" {
			app.SetBuildStatus(model.ParseBuildStatus(s.BuildStatus), s.DetailedBuildStatus)
		}
	case "projectDeletion":
		var d struct {
			ProjectID string `json:"projectID"`
		}
		if err := json.Unmarshal(evt.Data, &d); err == nil {
			c.Remove(d.ProjectID)
		}
	default:
		slog.Debug("ignoring server event", "connection", c.name, "event", evt.Name)
	}
}

func (c *Connection) dispatchLog(key logKey, contents string) {
	c.regMu.Lock()
	set := c.listeners[key]
	targets := make([]LogListener, 0, len(set))
	for _, l := range set {
		targets = append(targets, l)
	}
	c.regMu.Unlock()
	for _, l := range targets {
		l.OnLog(contents)
	}
}
