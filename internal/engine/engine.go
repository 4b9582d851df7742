// Package engine wires the configured connections to the reconciler, the log
// streams, the debugger coordinator and the authorizer. An Engine is built
// once per process, handed to the CLI and the dashboard, and closed on exit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/treykane/mcwatch/internal/appconfig"
	"github.com/treykane/mcwatch/internal/auth"
	"github.com/treykane/mcwatch/internal/connection"
	"github.com/treykane/mcwatch/internal/credstore"
	"github.com/treykane/mcwatch/internal/debugattach"
	"github.com/treykane/mcwatch/internal/events"
	"github.com/treykane/mcwatch/internal/logstream"
	"github.com/treykane/mcwatch/internal/mcclient"
	"github.com/treykane/mcwatch/internal/metrics"
	"github.com/treykane/mcwatch/internal/model"
	"github.com/treykane/mcwatch/internal/reconcile"
	"github.com/treykane/mcwatch/internal/util"
)

// Runtime is one configured connection with its reconciler.
type Runtime struct {
	Config     appconfig.ConnectionConfig
	Conn       *connection.Connection
	Reconciler *reconcile.Manager
}

// LogTarget names projectID of this connection for the log manager.
func (rt *Runtime) LogTarget(projectID string) logstream.Target {
	return logstream.Target{Connection: rt.Config.Name, ProjectID: projectID}
}

// Options injects collaborators. Nil fields are created from the default
// config paths.
type Options struct {
	Journal     *events.Store
	Credentials *credstore.Store
	Metrics     *metrics.Metrics
	Connector   debugattach.Connector
}

// Engine is the process-wide context object.
type Engine struct {
	cfg       appconfig.Config
	runtimes  []*Runtime
	journal   *events.Store
	creds     *credstore.Store
	metrics   *metrics.Metrics
	auth      *auth.Authorizer
	logs      *logstream.Manager
	connector debugattach.Connector

	tokMu  sync.RWMutex
	tokens map[string]string

	closeOnce sync.Once
}

// New builds an Engine for every connection in cfg. Nothing is contacted
// until Start or Run.
func New(cfg appconfig.Config, opts Options) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		journal:   opts.Journal,
		creds:     opts.Credentials,
		metrics:   opts.Metrics,
		connector: opts.Connector,
		tokens:    make(map[string]string),
	}
	var err error
	if e.journal == nil {
		if e.journal, err = events.NewStore(); err != nil {
			return nil, err
		}
	}
	if e.creds == nil {
		if e.creds, err = credstore.NewStore(); err != nil {
			return nil, err
		}
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	if e.connector == nil {
		e.connector = debugattach.JDWPConnector{}
	}
	e.auth = auth.New(e.creds, auth.Options{
		ConnectTimeout: cfg.AuthConnectTimeout(),
		Metrics:        e.metrics,
		Journal:        e.journal,
	})
	e.logs = logstream.NewManager(logstream.Options{
		BuildInterval: cfg.BuildLogInterval(),
		FileInterval:  cfg.FilePollInterval(),
		Metrics:       e.metrics,
	})

	for _, cc := range cfg.Connections {
		host := cc.Host()
		client, err := mcclient.New(cc.URL,
			mcclient.WithTimeout(cfg.RequestTimeout()),
			mcclient.WithToken(func() string { return e.token(host) }),
		)
		if err != nil {
			return nil, fmt.Errorf("connection %s: %w", cc.Name, err)
		}
		rt := &Runtime{
			Config: cc,
			Conn:   connection.New(cc.Name, client),
			Reconciler: reconcile.NewManager(client, reconcile.Options{
				Interval:   cfg.PollInterval(),
				Connection: cc.Name,
				Journal:    e.journal,
				Metrics:    e.metrics,
			}),
		}
		rt.Conn.OnRemove(func(projectID string) {
			rt.Reconciler.Untrack(projectID)
			e.logs.DisposeTarget(rt.LogTarget(projectID))
		})
		e.runtimes = append(e.runtimes, rt)
		e.loadToken(host)
	}
	return e, nil
}

func (e *Engine) Config() appconfig.Config { return e.cfg }
func (e *Engine) Journal() *events.Store { return e.journal }
func (e *Engine) Credentials() *credstore.Store { return e.creds }
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }
func (e *Engine) Authorizer() *auth.Authorizer { return e.auth }
func (e *Engine) Logs() *logstream.Manager { return e.logs }
func (e *Engine) Runtimes() []*Runtime { return e.runtimes }
func (e *Engine) Connector() debugattach.Connector { return e.connector }

// Runtime returns the named connection, or the first one when name is empty.
func (e *Engine) Runtime(name string) (*Runtime, error) {
	cc, err := e.cfg.FindConnection(name)
	if err != nil {
		return nil, err
	}
	for _, rt := range e.runtimes {
		if rt.Config.Name == cc.Name {
			return rt, nil
		}
	}
	return nil, fmt.Errorf("connection not found: %s", name)
}

func (e *Engine) token(host string) string {
	e.tokMu.RLock()
	defer e.tokMu.RUnlock()
	return e.tokens[host]
}

// loadToken caches the stored token of host. Expired tokens are not sent.
func (e *Engine) loadToken(host string) {
	cred, ok, err := e.creds.Get(host)
	if err != nil {
		slog.Warn("failed to read credentials", "host", host, "error", err)
		return
	}
	e.tokMu.Lock()
	defer e.tokMu.Unlock()
	if !ok || cred.Expired(time.Now()) {
		delete(e.tokens, host)
		return
	}
	e.tokens[host] = cred.Token
}

// UseToken makes a freshly obtained token effective for later requests.
func (e *Engine) UseToken(tok auth.Token) {
	e.tokMu.Lock()
	defer e.tokMu.Unlock()
	e.tokens[tok.Host] = tok.AccessToken
}

// Refresh syncs the project list of rt and tracks new projects.
func (e *Engine) Refresh(ctx context.Context, rt *Runtime) error {
	added, removed, err := rt.Conn.Refresh(ctx)
	if err != nil {
		return err
	}
	for _, id := range added {
		if app, ok := rt.Conn.Get(id); ok {
			rt.Reconciler.Track(app)
		}
	}
	if len(added) > 0 || len(removed) > 0 {
		slog.Debug("project list changed", "connection", rt.Config.Name, "added", len(added), "removed", len(removed))
	}
	return nil
}

// Start refreshes every connection once. A connection that cannot be
// reached is logged and left empty.
func (e *Engine) Start(ctx context.Context) {
	for _, rt := range e.runtimes {
		if err := e.Refresh(ctx, rt); err != nil {
			slog.Warn("initial project refresh failed", "connection", rt.Config.Name, "error", err)
		}
	}
}

// Run keeps every connection's socket and project list live until ctx is
// cancelled, and serves metrics when configured.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, rt := range e.runtimes {
		rt := rt
		g.Go(func() error { return e.runSocket(ctx, rt) })
		g.Go(func() error { return e.runRefresh(ctx, rt) })
	}
	if addr := e.cfg.Metrics.Listen; addr != "" {
		// A metrics endpoint that cannot bind must not take the
		// connection workers down with it.
		g.Go(func() error {
			if err := e.metrics.Serve(ctx, addr); err != nil {
				slog.Warn("metrics endpoint disabled", "addr", addr, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) runRefresh(ctx context.Context, rt *Runtime) error {
	ticker := time.NewTicker(util.DefaultProjectRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Refresh(ctx, rt); err != nil && ctx.Err() == nil {
				slog.Debug("project refresh failed", "connection", rt.Config.Name, "error", err)
			}
		}
	}
}

// runSocket keeps the shared socket of rt connected, backing off
// exponentially between failed dials.
func (e *Engine) runSocket(ctx context.Context, rt *Runtime) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = util.SocketRetryInterval
	bo.MaxInterval = util.SocketRetryMax
	bo.MaxElapsedTime = 0
	retry := backoff.WithContext(bo, ctx)
	for {
		sock, err := connection.DialSocket(ctx, rt.Conn.BaseURL(), e.token(rt.Config.Host()), rt.Conn.HandleEvent)
		if err != nil {
			wait := retry.NextBackOff()
			if wait == backoff.Stop {
				return nil
			}
			slog.Debug("socket dial failed", "connection", rt.Config.Name, "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()
		rt.Conn.SetTransport(sock)
		slog.Info("socket connected", "connection", rt.Config.Name)
		select {
		case <-ctx.Done():
			return nil
		case <-sock.Done():
			slog.Warn("socket closed, reconnecting", "connection", rt.Config.Name)
		}
	}
}

// Close stops every worker and subscription. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.logs.DisposeAll()
		for _, rt := range e.runtimes {
			rt.Reconciler.StopAll()
			if err := rt.Conn.Close(); err != nil {
				slog.Debug("closing socket", "connection", rt.Config.Name, "error", err)
			}
		}
		e.auth.Cancel()
	})
}

// RestartResult describes a finished restart.
type RestartResult struct {
	State     model.AppState
	DebugPort int
	Session   debugattach.Session
}

// RestartOptions tunes a restart.
type RestartOptions struct {
	Mode model.StartMode
	// Attach connects the debugger after a debug restart.
	Attach bool
	// Progress receives one line per stage. Optional.
	Progress func(stage string)
	Retry    debugattach.RetryHook
}

// ErrNotTracked is returned when restarting an application the engine does
// not know.
var ErrNotTracked = errors.New("application is not tracked")

// Restart asks the server to restart app and follows it through STOPPING,
// STARTING and STARTED. In debug modes the stale debug port is invalidated
// first, and once started the new port is awaited and optionally attached.
func (e *Engine) Restart(ctx context.Context, rt *Runtime, app *connection.Application, opts RestartOptions) (RestartResult, error) {
	res := RestartResult{DebugPort: model.DebugPortUnset}
	if _, ok := rt.Conn.Get(app.ProjectID()); !ok {
		return res, ErrNotTracked
	}
	if opts.Mode == "" {
		opts.Mode = model.StartRun
	}
	progress := opts.Progress
	if progress == nil {
		progress = func(string) {}
	}
	rt.Reconciler.Track(app)
	if opts.Mode.IsDebug() {
		app.InvalidateDebugPort()
	}

	stage := e.cfg.RestartStageTimeout()
	// Registered before the request so a fast server cannot slip past
	// STOPPING between two polls.
	stopping := rt.Reconciler.Expect(app, model.AppStopping)
	if err := rt.Conn.Client().Restart(ctx, app.ProjectID(), opts.Mode); err != nil {
		stopping.Cancel()
		return res, fmt.Errorf("restart %s: %w", app.Name(), err)
	}
	e.record(events.Event{Connection: rt.Config.Name, ProjectID: app.ProjectID(), EventType: events.TypeRestart, Message: string(opts.Mode)})
	progress("restart requested (" + string(opts.Mode) + ")")

	if err := stopping.Wait(ctx, stage); err != nil {
		res.State = app.AppState()
		return res, fmt.Errorf("waiting for %s: %w", model.AppStopping, err)
	}
	progress("stopping")
	for _, target := range []model.AppState{model.AppStarting, model.AppStarted} {
		if err := rt.Reconciler.WaitForState(ctx, app, target, stage); err != nil {
			res.State = app.AppState()
			return res, fmt.Errorf("waiting for %s: %w", target, err)
		}
		progress(string(target))
	}
	res.State = model.AppStarted
	if !opts.Mode.IsDebug() {
		return res, nil
	}

	timeout := time.Duration(e.cfg.Debug.TimeoutSeconds) * time.Second
	port, err := debugattach.WaitForDebugPort(ctx, app, timeout)
	if err != nil {
		return res, err
	}
	res.DebugPort = port
	progress(fmt.Sprintf("debug port %d", port))
	if !opts.Attach {
		return res, nil
	}
	sess, err := e.Attach(ctx, rt, app, opts.Retry)
	if err != nil {
		return res, err
	}
	res.Session = sess
	return res, nil
}

// Attach connects the debugger to the published debug port of app.
func (e *Engine) Attach(ctx context.Context, rt *Runtime, app *connection.Application, retry debugattach.RetryHook) (debugattach.Session, error) {
	port := app.DebugPort()
	if port <= 0 {
		return nil, fmt.Errorf("%s has no debug port; restart it in debug mode", app.Name())
	}
	coord := &debugattach.Coordinator{Connector: e.connector, Retry: retry, Metrics: e.metrics}
	sess, err := coord.Connect(ctx, debugattach.Args{
		Hostname:       DebugHost(rt, app),
		Port:           port,
		TimeoutSeconds: e.cfg.Debug.TimeoutSeconds,
	})
	if err != nil {
		return nil, err
	}
	e.record(events.Event{Connection: rt.Config.Name, ProjectID: app.ProjectID(), EventType: events.TypeDebugAttached, Message: sess.Address()})
	return sess, nil
}

// DebugHost is the host the debugger connects to: the application's own
// host when the server reports one, otherwise the server's host name.
func DebugHost(rt *Runtime, app *connection.Application) string {
	if h := app.Host(); h != "" {
		return h
	}
	u, err := url.Parse(rt.Conn.BaseURL())
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func (e *Engine) record(evt events.Event) {
	if err := e.journal.Append(evt); err != nil {
		slog.Warn("failed to journal event", "type", evt.EventType, "error", err)
	}
}

// Endpoint returns the authorization endpoint of rt.
func (e *Engine) Endpoint(rt *Runtime) auth.Endpoint {
	return auth.Endpoint{
		BaseURL:       rt.Config.URL,
		AuthorizePath: e.cfg.Auth.AuthorizePath,
		TokenPath:     e.cfg.Auth.TokenPath,
		ClientID:      rt.Config.ClientID,
		RedirectURI:   rt.Config.RedirectURI,
	}
}
