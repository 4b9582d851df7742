package logstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/treykane/mcwatch/internal/connection"
	"github.com/treykane/mcwatch/internal/mcclient"
	"github.com/treykane/mcwatch/internal/model"
)

// BuildLogSource reads a project's remote build log. *mcclient.Client
// implements it.
type BuildLogSource interface {
	BuildLogLastModified(ctx context.Context, projectID string) (int64, error)
	BuildLog(ctx context.Context, projectID string) (string, int64, error)
}

// Registrar multiplexes pushed log listeners over a shared transport.
// *connection.Connection implements it.
type Registrar interface {
	RegisterLogListener(projectID string, source model.LogSource, l connection.LogListener) string
	UnregisterLogListener(id string)
}

// buildLogPoller replaces the sink with the full build log whenever the
// server reports a newer modification timestamp.
type buildLogPoller struct {
	src       BuildLogSource
	projectID string
	tracker   *Tracker
	last      int64
}

// poll runs one HEAD and, if the log moved on, one GET. The timestamp
// recorded is the one returned with the body so that a change between the
// two requests is picked up on the next cycle.
func (p *buildLogPoller) poll(ctx context.Context) error {
	ts, err := p.src.BuildLogLastModified(ctx, p.projectID)
	if err != nil {
		return err
	}
	if ts == 0 || ts <= p.last {
		return nil
	}
	body, bodyTS, err := p.src.BuildLog(ctx, p.projectID)
	if err != nil {
		return err
	}
	if err := p.tracker.Replace(body); err != nil {
		return err
	}
	if bodyTS == 0 {
		bodyTS = ts
	}
	p.last = bodyTS
	return nil
}

func (p *buildLogPoller) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.poll(ctx); err != nil && ctx.Err() == nil {
			if mcclient.IsTimeout(err) {
				slog.Debug("build log poll timed out", "project", p.projectID)
			} else if !errors.Is(err, ErrDisposed) {
				slog.Warn("build log poll failed", "project", p.projectID, "error", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// appLogListener feeds pushed application log contents into a tracker.
type appLogListener struct {
	projectID string
	tracker   *Tracker
}

func (l *appLogListener) OnLog(contents string) {
	if err := l.tracker.Update(contents); err != nil && !errors.Is(err, ErrDisposed) {
		slog.Debug("app log update dropped", "project", l.projectID, "error", err)
	}
}

// fileTail follows a local file and delivers complete lines. A missing file
// is waited for. A file that shrank or was replaced is reopened and the sink
// redrawn from its start.
type fileTail struct {
	path    string
	tracker *Tracker

	f       *os.File
	info    os.FileInfo
	offset  int64
	partial string
}

func (t *fileTail) close() {
	if t.f != nil {
		_ = t.f.Close()
	}
	t.f = nil
	t.info = nil
	t.offset = 0
	t.partial = ""
}

// check reads whatever was appended since the last call.
func (t *fileTail) check() error {
	info, err := os.Stat(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.close()
			return nil
		}
		return err
	}

	redraw := false
	if t.f != nil && (!os.SameFile(t.info, info) || info.Size() < t.offset) {
		slog.Debug("log file rotated", "path", t.path)
		t.close()
		redraw = true
	}
	if t.f == nil {
		f, err := os.Open(t.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		t.f = f
		t.info = info
		if redraw || t.tracker.Len() > 0 {
			if err := t.tracker.Replace(""); err != nil {
				return err
			}
		}
	}

	if info.Size() == t.offset {
		return nil
	}
	buf := make([]byte, info.Size()-t.offset)
	n, err := t.f.ReadAt(buf, t.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read %s: %w", t.path, err)
	}
	t.offset += int64(n)

	chunk := t.partial + string(buf[:n])
	cut := strings.LastIndexByte(chunk, '\n')
	if cut < 0 {
		t.partial = chunk
		return nil
	}
	t.partial = chunk[cut+1:]
	return t.tracker.Append(chunk[:cut+1])
}

func (t *fileTail) run(ctx context.Context, interval time.Duration) {
	defer t.close()

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Debug("file watcher unavailable, polling only", "path", t.path, "error", err)
	} else {
		defer watcher.Close()
		// Watch the directory so creation and rename of the file are seen.
		if err := watcher.Add(filepath.Dir(t.path)); err != nil {
			slog.Debug("cannot watch log directory", "path", t.path, "error", err)
		} else {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	target := filepath.Clean(t.path)
	for {
		if err := t.check(); err != nil && !errors.Is(err, ErrDisposed) {
			slog.Warn("file tail failed", "path", t.path, "error", err)
		}
	wait:
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				break wait
			case evt, ok := <-events:
				if !ok {
					events = nil
				} else if filepath.Clean(evt.Name) == target {
					break wait
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
				} else {
					slog.Debug("file watcher error", "path", t.path, "error", err)
				}
			}
		}
	}
}
