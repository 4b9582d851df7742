// Package logstream delivers the new content of growing logs to live sinks.
//
// Three sources share one contract: the remote build log (polled, always
// replaced wholesale), the pushed application log and a local file tail
// (both diffed against what was already delivered). Every source writes
// through a Tracker, which serializes deliveries per subscription.
package logstream

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/treykane/mcwatch/internal/metrics"
	"github.com/treykane/mcwatch/internal/model"
)

// ErrDisposed is returned by a Tracker once its subscription was disposed.
var ErrDisposed = errors.New("logstream: subscription disposed")

// Sink is where a console renders log text.
type Sink interface {
	// Clear discards everything previously written.
	Clear() error
	// Append adds text at the end.
	Append(text string) error
}

// Delivery kinds, used as metric labels.
const (
	kindAppend  = "append"
	kindReplace = "replace"
)

// Tracker owns the delivered length of one log and applies updates to its
// sink. Update, Append and Replace never run concurrently for one Tracker.
type Tracker struct {
	source  model.LogSource
	metrics *metrics.Metrics

	mu       sync.Mutex
	sink     Sink
	prev     int
	disposed bool
}

func NewTracker(source model.LogSource, sink Sink, m *metrics.Metrics) *Tracker {
	return &Tracker{source: source, sink: sink, metrics: m}
}

// Len returns how much content has been delivered.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prev
}

// Update applies the full current contents of the log. Only the unseen
// suffix is appended; when the log got shorter it was truncated or rotated,
// so the sink is cleared and redrawn with everything.
func (t *Tracker) Update(contents string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return ErrDisposed
	}
	diff := len(contents) - t.prev
	switch {
	case diff == 0:
		return nil
	case diff < 0:
		return t.replaceLocked(contents)
	default:
		return t.appendLocked(contents[t.prev:], len(contents))
	}
}

// Append delivers text that follows what was already delivered.
func (t *Tracker) Append(text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return ErrDisposed
	}
	if text == "" {
		return nil
	}
	return t.appendLocked(text, t.prev+len(text))
}

// Replace clears the sink and delivers contents as the whole log.
func (t *Tracker) Replace(contents string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return ErrDisposed
	}
	return t.replaceLocked(contents)
}

func (t *Tracker) appendLocked(text string, newLen int) error {
	if err := t.sink.Append(text); err != nil {
		return t.failed(err)
	}
	t.prev = newLen
	t.metrics.ObserveDelivery(string(t.source), kindAppend)
	return nil
}

func (t *Tracker) replaceLocked(contents string) error {
	if err := t.sink.Clear(); err != nil {
		return t.failed(err)
	}
	if contents != "" {
		if err := t.sink.Append(contents); err != nil {
			t.prev = 0
			return t.failed(err)
		}
	}
	t.prev = len(contents)
	t.metrics.ObserveDelivery(string(t.source), kindReplace)
	return nil
}

func (t *Tracker) failed(err error) error {
	t.metrics.ObserveDeliveryError(string(t.source))
	slog.Warn("log delivery failed", "source", t.source, "error", err)
	return err
}

// dispose stops all further deliveries. Once it returns no sink write is in
// progress.
func (t *Tracker) dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disposed = true
}
