// Package events keeps an append-only JSONL journal of application state
// transitions and other lifecycle records.
package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/treykane/mcwatch/internal/appconfig"
	"github.com/treykane/mcwatch/internal/model"
)

const (
	TypeStateChanged  = "state_changed"
	TypeWaitTimeout   = "wait_timeout"
	TypeRestart       = "restart_requested"
	TypeDebugAttached = "debug_attached"
	TypeAuthorized    = "authorized"
)

// Event is one lifecycle record persisted to events.jsonl.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Connection string         `json:"connection,omitempty"`
	ProjectID  string         `json:"project_id,omitempty"`
	EventType  string         `json:"event_type"`
	From       model.AppState `json:"from,omitempty"`
	To         model.AppState `json:"to,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// Query selects events. Empty fields match everything.
type Query struct {
	Connection string
	ProjectID  string
	EventType  string
	Since      time.Time
	Limit      int
}

// DefaultMaxBytes is the journal size at which Append rotates it to
// events.jsonl.1, replacing any older rotation.
const DefaultMaxBytes = 4 << 20

// Store is the journal file. Methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
}

// NewStore opens the journal at the default location.
func NewStore() (*Store, error) {
	path, err := appconfig.EventsFilePath()
	if err != nil {
		return nil, err
	}
	return NewStoreAt(path), nil
}

// NewStoreAt opens a journal at an explicit path.
func NewStoreAt(path string) *Store {
	return &Store{path: path, maxBytes: DefaultMaxBytes}
}

// SetMaxBytes changes the rotation threshold. Zero disables rotation.
func (s *Store) SetMaxBytes(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBytes = n
}

func (s *Store) rotateLocked() error {
	if s.maxBytes <= 0 {
		return nil
	}
	st, err := os.Stat(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	}
	if st.Size() < s.maxBytes {
		return nil
	}
	return os.Rename(s.path, s.path+".1")
}

// Append writes evt as one JSON line, stamping it with the current time
// when it has none.
func (s *Store) Append(evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	if err := s.rotateLocked(); err != nil {
		return fmt.Errorf("rotate events: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	// Encode terminates the record with a newline.
	encErr := json.NewEncoder(f).Encode(evt)
	closeErr := f.Close()
	return errors.Join(encErr, closeErr)
}

// Read returns events of the current journal in append order, filtered by
// query. With a limit only the newest matching events are kept. Lines that
// do not decode are skipped.
func (s *Store) Read(q Query) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, err
	}
	defer f.Close()

	var out []Event
	r := bufio.NewReader(f)
	for {
		raw, readErr := r.ReadBytes('\n')
		if line := bytes.TrimSpace(raw); len(line) > 0 {
			var evt Event
			if json.Unmarshal(line, &evt) == nil && q.match(evt) {
				out = append(out, evt)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read events: %w", readErr)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = slices.Clone(out[len(out)-q.Limit:])
	}
	return out, nil
}

func (q Query) match(evt Event) bool {
	switch {
	case q.Connection != "" && evt.Connection != q.Connection:
		return false
	case q.ProjectID != "" && evt.ProjectID != q.ProjectID:
		return false
	case q.EventType != "" && evt.EventType != q.EventType:
		return false
	case !q.Since.IsZero() && evt.Timestamp.Before(q.Since):
		return false
	}
	return true
}
