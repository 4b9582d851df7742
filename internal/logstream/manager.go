package logstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/treykane/mcwatch/internal/metrics"
	"github.com/treykane/mcwatch/internal/model"
	"github.com/treykane/mcwatch/internal/util"
)

// ErrDuplicate is returned when a console already streams the same source.
var ErrDuplicate = errors.New("logstream: console already subscribed to this log")

// Key identifies a subscription: one per console and log source.
type Key struct {
	Console string
	Source  model.LogSource
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.Console, k.Source) }

// Target names the application a log belongs to. Project IDs are only
// unique within one connection.
type Target struct {
	Connection string
	ProjectID  string
}

// Subscription is one console's live interest in one log.
type Subscription struct {
	key     Key
	target  Target
	tracker *Tracker

	cancel   context.CancelFunc
	done     chan struct{}
	cleanup  func()
	release  func(Key, *Subscription)
	disposed sync.Once
}

func (s *Subscription) Key() Key       { return s.key }
func (s *Subscription) Target() Target { return s.target }

// Dispose stops the worker, detaches from the connection and the sink, and
// returns only once no further delivery can happen. Safe to call twice.
func (s *Subscription) Dispose() {
	s.disposed.Do(func() {
		s.tracker.dispose()
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
		if s.cleanup != nil {
			s.cleanup()
		}
		if s.release != nil {
			s.release(s.key, s)
		}
	})
}

// Options configures a Manager. Zero durations fall back to defaults.
type Options struct {
	BuildInterval time.Duration
	FileInterval  time.Duration
	Metrics       *metrics.Metrics
}

// Manager owns every live subscription of the process.
type Manager struct {
	buildInterval time.Duration
	fileInterval  time.Duration
	metrics       *metrics.Metrics

	mu   sync.Mutex
	subs map[Key]*Subscription
}

func NewManager(opts Options) *Manager {
	if opts.BuildInterval <= 0 {
		opts.BuildInterval = util.DefaultBuildLogInterval
	}
	if opts.FileInterval <= 0 {
		opts.FileInterval = util.DefaultFilePollInterval
	}
	return &Manager{
		buildInterval: opts.BuildInterval,
		fileInterval:  opts.FileInterval,
		metrics:       opts.Metrics,
		subs:          make(map[Key]*Subscription),
	}
}

func (m *Manager) reserve(key Key, target Target, sink Sink) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	s := &Subscription{
		key:     key,
		target:  target,
		tracker: NewTracker(key.Source, sink, m.metrics),
		release: m.release,
	}
	m.subs[key] = s
	return s, nil
}

func (m *Manager) release(key Key, s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[key] == s {
		delete(m.subs, key)
	}
}

func (s *Subscription) start(run func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		run(ctx)
	}()
}

// OpenBuildLog streams a project's remote build log into sink.
func (m *Manager) OpenBuildLog(console string, src BuildLogSource, target Target, sink Sink) (*Subscription, error) {
	s, err := m.reserve(Key{Console: console, Source: model.LogBuild}, target, sink)
	if err != nil {
		return nil, err
	}
	p := &buildLogPoller{src: src, projectID: target.ProjectID, tracker: s.tracker}
	s.start(func(ctx context.Context) { p.run(ctx, m.buildInterval) })
	return s, nil
}

// OpenAppLog streams the pushed application log of a project into sink. The
// registration is removed again on Dispose.
func (m *Manager) OpenAppLog(console string, reg Registrar, target Target, sink Sink) (*Subscription, error) {
	s, err := m.reserve(Key{Console: console, Source: model.LogApp}, target, sink)
	if err != nil {
		return nil, err
	}
	id := reg.RegisterLogListener(target.ProjectID, model.LogApp, &appLogListener{projectID: target.ProjectID, tracker: s.tracker})
	s.cleanup = func() { reg.UnregisterLogListener(id) }
	return s, nil
}

// OpenFile tails a local file into sink.
func (m *Manager) OpenFile(console string, target Target, path string, sink Sink) (*Subscription, error) {
	s, err := m.reserve(Key{Console: console, Source: model.LogFile}, target, sink)
	if err != nil {
		return nil, err
	}
	t := &fileTail{path: path, tracker: s.tracker}
	s.start(func(ctx context.Context) { t.run(ctx, m.fileInterval) })
	return s, nil
}

// Get returns the live subscription for key.
func (m *Manager) Get(key Key) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[key]
	return s, ok
}

// Dispose disposes the subscription for key, if any.
func (m *Manager) Dispose(key Key) {
	if s, ok := m.Get(key); ok {
		s.Dispose()
	}
}

// DisposeTarget disposes every subscription of one application. Called when
// the project disappears from its connection; other connections reporting
// the same project ID keep their subscriptions.
func (m *Manager) DisposeTarget(target Target) {
	for _, s := range m.matching(func(s *Subscription) bool { return s.target == target }) {
		s.Dispose()
	}
}

// DisposeAll disposes every subscription.
func (m *Manager) DisposeAll() {
	for _, s := range m.matching(func(*Subscription) bool { return true }) {
		s.Dispose()
	}
}

// Active lists the live subscription keys, sorted.
func (m *Manager) Active() []Key {
	subs := m.matching(func(*Subscription) bool { return true })
	keys := make([]Key, 0, len(subs))
	for _, s := range subs {
		keys = append(keys, s.key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (m *Manager) matching(pred func(*Subscription) bool) []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, s := range m.subs {
		if pred(s) {
			out = append(out, s)
		}
	}
	return out
}
