package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/treykane/mcwatch/internal/model"
)

func TestStoreAppendReadAndFilters(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s, err := NewStore()
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now().Add(-2 * time.Hour).UTC()
	seed := []Event{
		{Timestamp: base, ProjectID: "a", EventType: TypeRestart},
		{Timestamp: base.Add(10 * time.Minute), ProjectID: "a", EventType: TypeStateChanged, From: model.AppStopped, To: model.AppStarting},
		{Timestamp: base.Add(20 * time.Minute), ProjectID: "b", EventType: TypeWaitTimeout},
	}
	for _, evt := range seed {
		if err := s.Append(evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.Read(Query{})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	if all[1].To != model.AppStarting {
		t.Fatalf("expected transition target preserved, got %+v", all[1])
	}

	projectOnly, err := s.Read(Query{ProjectID: "a"})
	if err != nil {
		t.Fatalf("read project: %v", err)
	}
	if len(projectOnly) != 2 {
		t.Fatalf("expected 2 events for a, got %d", len(projectOnly))
	}

	limited, err := s.Read(Query{Limit: 1})
	if err != nil {
		t.Fatalf("read limit: %v", err)
	}
	if len(limited) != 1 || limited[0].ProjectID != "b" {
		t.Fatalf("unexpected limited result: %+v", limited)
	}

	since, err := s.Read(Query{Since: base.Add(15 * time.Minute)})
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(since) != 1 || since[0].ProjectID != "b" {
		t.Fatalf("unexpected since result: %+v", since)
	}
}

func TestReadMissingJournal(t *testing.T) {
	s := NewStoreAt(t.TempDir() + "/none.jsonl")
	got, err := s.Read(Query{})
	if err != nil || got != nil {
		t.Fatalf("expected empty read, got %v %v", got, err)
	}
}

func TestReadFiltersByConnection(t *testing.T) {
	s := NewStoreAt(filepath.Join(t.TempDir(), "events.jsonl"))
	now := time.Now().UTC()
	for _, conn := range []string{"local", "staging", "local"} {
		if err := s.Append(Event{Timestamp: now, Connection: conn, ProjectID: "p1", EventType: TypeRestart}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Read(Query{Connection: "local"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 local events, got %+v", got)
	}
}

func TestAppendRotatesLargeJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s := NewStoreAt(path)
	s.SetMaxBytes(200)
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		if err := s.Append(Event{Timestamp: now, ProjectID: "p1", EventType: TypeStateChanged, From: model.AppStarting, To: model.AppStarted}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated journal: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() >= 400 {
		t.Fatalf("current journal not bounded: %d bytes", st.Size())
	}
	got, err := s.Read(Query{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 || len(got) == 10 {
		t.Fatalf("expected a partial current journal, got %d events", len(got))
	}
}
