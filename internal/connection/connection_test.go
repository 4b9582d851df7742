package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/treykane/mcwatch/internal/mcclient"
	"github.com/treykane/mcwatch/internal/model"
)

type sent struct {
	event string
	data  map[string]string
}

type recordingTransport struct {
	mu     sync.Mutex
	frames []sent
	fail   bool
}

func (r *recordingTransport) Send(event string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return ErrSocketClosed
	}
	r.frames = append(r.frames, sent{event: event, data: data.(map[string]string)})
	return nil
}

func (r *recordingTransport) Close() error { return nil }

func (r *recordingTransport) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.event)
	}
	return out
}

type captureListener struct {
	mu   sync.Mutex
	last []string
}

func (c *captureListener) OnLog(contents string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = append(c.last, contents)
}

func newTestConnection(t *testing.T, url string) *Connection {
	t.Helper()
	if url == "" {
		url = "http://127.0.0.1:1"
	}
	cli, err := mcclient.New(url)
	if err != nil {
		t.Fatal(err)
	}
	return New("local", cli)
}

func TestRegisterSubscribesOncePerLog(t *testing.T) {
	c := newTestConnection(t, "")
	tr := &recordingTransport{}
	c.SetTransport(tr)

	a := c.RegisterLogListener("p1", model.LogApp, &captureListener{})
	b := c.RegisterLogListener("p1", model.LogApp, &captureListener{})
	if c.ListenerCount("p1", model.LogApp) != 2 {
		t.Fatalf("expected 2 listeners")
	}
	c.UnregisterLogListener(a)
	c.UnregisterLogListener(a)
	c.UnregisterLogListener(b)
	c.UnregisterLogListener("never-registered")

	got := tr.events()
	want := []string{"log-subscribe", "log-unsubscribe"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("unexpected control frames: %v", got)
	}
}

func TestUnregisterAfterTransportDropped(t *testing.T) {
	c := newTestConnection(t, "")
	tr := &recordingTransport{}
	c.SetTransport(tr)
	id := c.RegisterLogListener("p1", model.LogBuild, &captureListener{})
	tr.mu.Lock()
	tr.fail = true
	tr.mu.Unlock()
	c.UnregisterLogListener(id)
	if c.ListenerCount("p1", model.LogBuild) != 0 {
		t.Fatal("expected registration removed even when transport failed")
	}
}

func TestConcurrentRegistration(t *testing.T) {
	c := newTestConnection(t, "")
	c.SetTransport(&recordingTransport{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := c.RegisterLogListener("p1", model.LogApp, &captureListener{})
			c.UnregisterLogListener(id)
		}()
	}
	wg.Wait()
	if c.ListenerCount("p1", model.LogApp) != 0 {
		t.Fatal("expected empty registry")
	}
}

func TestHandleEventRoutesLogsAndPorts(t *testing.T) {
	c := newTestConnection(t, "")
	app := c.Add(NewApplication("p1", "api", ""))
	l := &captureListener{}
	c.RegisterLogListener("p1", model.LogApp, l)

	data, _ := json.Marshal(map[string]string{"projectID": "p1", "logType": "app", "logs": "hello"})
	c.HandleEvent(Event{Name: "log-update", Data: data})
	if len(l.last) != 1 || l.last[0] != "hello" {
		t.Fatalf("expected log delivered, got %v", l.last)
	}

	restart := []byte(`{"projectID":"p1","status":"success","startMode":"debug","ports":{"debugPort":"7777","exposedPort":"9080"}}`)
	c.HandleEvent(Event{Name: "projectRestartResult", Data: restart})
	snap := app.Snapshot()
	if snap.DebugPort != 7777 || snap.ExposedPort != 9080 || snap.StartMode != model.StartDebug {
		t.Fatalf("unexpected snapshot after restart result: %+v", snap)
	}

	c.HandleEvent(Event{Name: "projectStatusChanged", Data: []byte(`{"projectID":"p1","buildStatus":"failed","detailedBuildStatus":"compile error"}`)})
	snap = app.Snapshot()
	if snap.BuildStatus != model.BuildFailed || snap.DetailedBuildStatus != "compile error" {
		t.Fatalf("unexpected build status: %+v", snap)
	}

	c.HandleEvent(Event{Name: "log-update", Data: []byte(`not json`)})
}

func TestRefreshAddsAndRemoves(t *testing.T) {
	var mu sync.Mutex
	body := `[{"projectID":"p1","name":"api","appStatus":"started"},{"projectID":"p2","name":"web","appStatus":"stopped"}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := newTestConnection(t, srv.URL)
	var removedHook []string
	c.OnRemove(func(id string) { removedHook = append(removedHook, id) })

	added, removed, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 2 || len(removed) != 0 {
		t.Fatalf("unexpected first refresh: added=%v removed=%v", added, removed)
	}
	app, err := c.Find("web")
	if err != nil || app.AppState() != model.AppStopped {
		t.Fatalf("expected web stopped, got %v %v", app, err)
	}

	mu.Lock()
	body = `[{"projectID":"p1","name":"api","appStatus":"started"}]`
	mu.Unlock()
	added, removed, err = c.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(added) != 0 || len(removed) != 1 || removed[0] != "p2" {
		t.Fatalf("unexpected second refresh: added=%v removed=%v", added, removed)
	}
	if len(removedHook) != 1 || removedHook[0] != "p2" {
		t.Fatalf("expected removal hook for p2, got %v", removedHook)
	}
	if _, ok := c.Get("p2"); ok {
		t.Fatal("expected p2 to be gone")
	}
}

func TestSocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	subscribed := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != socketPath {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		subscribed <- frame
		_ = conn.WriteJSON(map[string]any{
			"event": "log-update",
			"data":  map[string]string{"projectID": "p1", "logType": "app", "logs": "line 1\n"},
		})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := newTestConnection(t, srv.URL)
	l := &captureListener{}
	sock, err := DialSocket(context.Background(), srv.URL, "", c.HandleEvent)
	if err != nil {
		t.Fatal(err)
	}
	defer sock.Close()
	c.SetTransport(sock)
	c.RegisterLogListener("p1", model.LogApp, l)

	select {
	case frame := <-subscribed:
		if frame["event"] != "log-subscribe" {
			t.Fatalf("unexpected frame %v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for subscribe frame")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		n := len(l.last)
		l.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.last) != 1 || l.last[0] != "line 1\n" {
		t.Fatalf("expected pushed log, got %v", l.last)
	}
	if err := sock.Close(); err != nil {
		t.Logf("close: %v", err)
	}
	if err := sock.Send("log-unsubscribe", map[string]string{}); err != ErrSocketClosed {
		t.Fatalf("expected ErrSocketClosed, got %v", err)
	}
}

func TestSocketURL(t *testing.T) {
	if got := SocketURL("https://mc.example/"); got != "wss://mc.example/api/v1/socket" {
		t.Fatalf("unexpected url %s", got)
	}
	if got := SocketURL("http://127.0.0.1:9090"); got != "ws://127.0.0.1:9090/api/v1/socket" {
		t.Fatalf("unexpected url %s", got)
	}
}
