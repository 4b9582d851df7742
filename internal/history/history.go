// Package history remembers when each application was last acted on so the
// dashboard can list recently used applications first.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/treykane/mcwatch/internal/appconfig"
	"github.com/treykane/mcwatch/internal/model"
)

// retention drops entries nobody touched for this long on the next write.
const retention = 90 * 24 * time.Hour

type entry struct {
	At    time.Time `json:"at"`
	Count int       `json:"count"`
}

type document struct {
	Version int              `json:"version"`
	Apps    map[string]entry `json:"apps"`
}

// Key identifies an application across connections.
func Key(connection, projectID string) string {
	return connection + "/" + projectID
}

// Touch records activity (a restart, an attach, an opened log) for key.
func Touch(key string) error {
	return touchAt(key, time.Now())
}

func touchAt(key string, now time.Time) error {
	path, err := historyPath()
	if err != nil {
		return err
	}
	doc := read(path)
	e := doc.Apps[key]
	e.At = now.UTC()
	e.Count++
	doc.Apps[key] = e
	for k, v := range doc.Apps {
		if now.Sub(v.At) > retention {
			delete(doc.Apps, k)
		}
	}
	return write(path, doc)
}

// LastUsed returns the last activity time by key.
func LastUsed() (map[string]time.Time, error) {
	path, err := historyPath()
	if err != nil {
		return nil, err
	}
	doc := read(path)
	out := make(map[string]time.Time, len(doc.Apps))
	for k, v := range doc.Apps {
		out[k] = v.At
	}
	return out, nil
}

// SortAppsRecent returns a copy of apps, most recently used first and then
// by name. Keys are built from connection and each project ID.
func SortAppsRecent(apps []model.AppSnapshot, connection string, lastUsed map[string]time.Time) []model.AppSnapshot {
	out := slices.Clone(apps)
	slices.SortStableFunc(out, func(a, b model.AppSnapshot) int {
		ta := lastUsed[Key(connection, a.ProjectID)]
		tb := lastUsed[Key(connection, b.ProjectID)]
		if c := tb.Compare(ta); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

func historyPath() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.json"), nil
}

// read never fails: a missing or unreadable file only loses ordering.
func read(path string) document {
	doc := document{Version: 1, Apps: map[string]entry{}}
	b, err := os.ReadFile(path)
	if err != nil {
		return doc
	}
	var parsed document
	if json.Unmarshal(b, &parsed) != nil || parsed.Apps == nil {
		return doc
	}
	parsed.Version = 1
	return parsed
}

func write(path string, doc document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".history-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
