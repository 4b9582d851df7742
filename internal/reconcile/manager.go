// Package reconcile keeps each tracked application's run state in step with
// the state the remote server reports, and lets restart and launch flows
// block until an expected state is observed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/treykane/mcwatch/internal/events"
	"github.com/treykane/mcwatch/internal/mcclient"
	"github.com/treykane/mcwatch/internal/metrics"
	"github.com/treykane/mcwatch/internal/model"
	"github.com/treykane/mcwatch/internal/util"
)

var (
	ErrWaitTimeout    = errors.New("reconcile: timed out waiting for state")
	ErrWaitSuperseded = errors.New("reconcile: wait replaced by a newer request")
)

// Target is the application record the reconciler mutates.
// *connection.Application implements it.
type Target interface {
	ProjectID() string
	AppState() model.AppState
	SetAppState(model.AppState) model.AppState
}

// StatusSource fetches the raw remote appStatus for a project.
// *mcclient.Client implements it.
type StatusSource interface {
	AppStatus(ctx context.Context, projectID string) (string, error)
}

// Journal records state transitions. *events.Store implements it.
type Journal interface {
	Append(events.Event) error
}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	Interval      time.Duration
	Connection    string
	Journal       Journal
	Metrics       *metrics.Metrics
	MaxConcurrent int64
}

type worker struct {
	target   Target
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func (w *worker) stop() {
	w.stopOnce.Do(w.cancel)
	<-w.done
}

// waiter is the single pending wait condition of one application.
type waiter struct {
	target model.AppState
	done   chan error
}

// Manager runs one poll worker per tracked application.
type Manager struct {
	source   StatusSource
	interval time.Duration
	conn     string
	journal  Journal
	metrics  *metrics.Metrics
	inflight *semaphore.Weighted

	mu      sync.Mutex
	workers map[string]*worker
	waiters map[string]*waiter
}

// NewManager creates a reconciler polling source.
func NewManager(source StatusSource, opts Options) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = util.DefaultPollInterval
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	return &Manager{
		source:   source,
		interval: opts.Interval,
		conn:     opts.Connection,
		journal:  opts.Journal,
		metrics:  opts.Metrics,
		inflight: semaphore.NewWeighted(opts.MaxConcurrent),
		workers:  make(map[string]*worker),
		waiters:  make(map[string]*waiter),
	}
}

// Track starts polling t. Tracking an already tracked project is a no-op.
func (m *Manager) Track(t Target) {
	id := t.ProjectID()
	m.mu.Lock()
	if _, ok := m.workers[id]; ok {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{target: t, cancel: cancel, done: make(chan struct{})}
	m.workers[id] = w
	m.mu.Unlock()

	go m.run(ctx, w)
}

func (m *Manager) run(ctx context.Context, w *worker) {
	defer close(w.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.PollOnce(ctx, w.target)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Untrack stops polling a project and waits for its worker to exit.
// Unknown IDs and repeated calls are no-ops.
func (m *Manager) Untrack(projectID string) {
	m.mu.Lock()
	w, ok := m.workers[projectID]
	delete(m.workers, projectID)
	m.mu.Unlock()
	if ok {
		w.stop()
	}
}

// StopAll untracks every project.
func (m *Manager) StopAll() {
	for _, id := range m.Tracked() {
		m.Untrack(id)
	}
}

// Tracked returns the IDs of polled projects, sorted.
func (m *Manager) Tracked() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// PollOnce fetches the remote status of t and applies it. It returns the
// resulting state and the poll outcome (one of the metrics.Poll* values).
//
// A request timeout leaves the state untouched. A refused connection, any
// other transport or protocol error, and an unrecognized status all force
// UNKNOWN.
func (m *Manager) PollOnce(ctx context.Context, t Target) (model.AppState, string) {
	if err := m.inflight.Acquire(ctx, 1); err != nil {
		return t.AppState(), metrics.PollSkipped
	}
	status, err := m.source.AppStatus(ctx, t.ProjectID())
	m.inflight.Release(1)

	id := t.ProjectID()
	var outcome string
	switch {
	case ctx.Err() != nil:
		return t.AppState(), metrics.PollSkipped
	case err == nil:
		st, ok := model.ParseAppState(status)
		outcome = metrics.PollOK
		if !ok {
			outcome = metrics.PollUnknown
			slog.Warn("unrecognized application status", "connection", m.conn, "project", id, "status", status)
		}
		m.apply(t, st, "")
	case mcclient.IsTimeout(err):
		slog.Debug("status poll timed out", "connection", m.conn, "project", id)
		m.metrics.ObservePoll(metrics.PollSkipped)
		return t.AppState(), metrics.PollSkipped
	case mcclient.IsConnRefused(err):
		outcome = metrics.PollUnreachable
		slog.Warn("server unreachable", "connection", m.conn, "project", id, "error", err)
		m.apply(t, model.AppUnknown, err.Error())
	default:
		outcome = metrics.PollError
		slog.Warn("status poll failed", "connection", m.conn, "project", id, "error", err)
		m.apply(t, model.AppUnknown, err.Error())
	}
	m.metrics.ObservePoll(outcome)
	return t.AppState(), outcome
}

func (m *Manager) apply(t Target, st model.AppState, reason string) {
	id := t.ProjectID()
	prev := t.SetAppState(st)
	if prev != st {
		slog.Info("application state changed", "connection", m.conn, "project", id, "from", prev, "to", st)
		m.record(events.Event{Connection: m.conn, ProjectID: id, EventType: events.TypeStateChanged, From: prev, To: st, Message: reason})
	}

	m.mu.Lock()
	if w, ok := m.waiters[id]; ok && w.target == st {
		delete(m.waiters, id)
		w.done <- nil
	}
	m.mu.Unlock()
}

func (m *Manager) record(evt events.Event) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Append(evt); err != nil {
		slog.Warn("failed to journal event", "type", evt.EventType, "error", err)
	}
}

// Expectation is a registered wait condition for one application. It is
// resolved by the first poll after Expect that observes its state.
type Expectation struct {
	m *Manager
	t Target
	w *waiter
}

// Expect registers a wait for target on t and returns at once. Polls made
// from now on count, even before Wait is called. A newer expectation for the
// same project supersedes this one.
func (m *Manager) Expect(t Target, target model.AppState) *Expectation {
	w := &waiter{target: target, done: make(chan error, 1)}
	id := t.ProjectID()
	m.mu.Lock()
	if prev, ok := m.waiters[id]; ok {
		prev.done <- ErrWaitSuperseded
	}
	m.waiters[id] = w
	m.mu.Unlock()
	return &Expectation{m: m, t: t, w: w}
}

// Cancel withdraws the expectation if it is still pending. It never blocks.
func (e *Expectation) Cancel() {
	id := e.t.ProjectID()
	e.m.mu.Lock()
	defer e.m.mu.Unlock()
	if e.m.waiters[id] == e.w {
		delete(e.m.waiters, id)
	}
}

// Wait blocks until the expectation is met or timeout elapses. On timeout
// the state is forced to UNKNOWN and ErrWaitTimeout is returned. A
// superseded expectation returns ErrWaitSuperseded; a cancelled ctx leaves
// the state alone.
func (e *Expectation) Wait(ctx context.Context, timeout time.Duration) error {
	id := e.t.ProjectID()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-e.w.done:
		return err
	case <-ctx.Done():
		if resolved, err := e.m.dropWaiter(id, e.w); resolved {
			return err
		}
		return ctx.Err()
	case <-timer.C:
		if resolved, err := e.m.dropWaiter(id, e.w); resolved {
			return err
		}
		prev := e.t.SetAppState(model.AppUnknown)
		slog.Warn("timed out waiting for application state", "connection", e.m.conn, "project", id, "target", e.w.target, "timeout", timeout)
		e.m.record(events.Event{Connection: e.m.conn, ProjectID: id, EventType: events.TypeWaitTimeout, From: prev, To: model.AppUnknown,
			Message: fmt.Sprintf("waited %s for %s", timeout, e.w.target)})
		return ErrWaitTimeout
	}
}

// WaitForState is Expect followed by Wait. Other applications keep polling
// while the caller waits.
func (m *Manager) WaitForState(ctx context.Context, t Target, target model.AppState, timeout time.Duration) error {
	return m.Expect(t, target).Wait(ctx, timeout)
}

// dropWaiter removes w if it is still pending. When it was already resolved
// by a poll or superseded, the buffered result is returned instead.
func (m *Manager) dropWaiter(id string, w *waiter) (resolved bool, err error) {
	m.mu.Lock()
	if m.waiters[id] == w {
		delete(m.waiters, id)
		m.mu.Unlock()
		return false, nil
	}
	m.mu.Unlock()
	return true, <-w.done
}
