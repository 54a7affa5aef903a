package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"noderun/internal/domain"
	"noderun/internal/stream"
)

type staticStatus struct{ st domain.Status }

func (s staticStatus) Status() domain.Status { return s.st }

type fakeHistory struct {
	events []domain.Event
	err    error
	limit  int
}

func (f *fakeHistory) RecentEvents(_ context.Context, limit int) ([]domain.Event, error) {
	f.limit = limit
	return f.events, f.err
}

func newTestServer(t *testing.T, history History) (*httptest.Server, *stream.Broadcaster) {
	t.Helper()
	hub := stream.NewBroadcaster(8)
	st := staticStatus{st: domain.Status{WatchMode: true, ScriptName: "server.js", Process: domain.ProcessRunning, PID: 77}}
	srv := NewServer("127.0.0.1:0", st, hub, history)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, hub
}

func TestHealthAndStatus(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var st domain.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.WatchMode || st.ScriptName != "server.js" || st.Process != domain.ProcessRunning || st.PID != 77 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestHistory(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without journal, got %d", resp.StatusCode)
	}

	h := &fakeHistory{events: []domain.Event{{ID: "1", Kind: domain.EventScriptStarted}}}
	ts, _ = newTestServer(t, h)
	resp, err = http.Get(ts.URL + "/history?limit=5")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer resp.Body.Close()
	var events []domain.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.limit != 5 || len(events) != 1 || events[0].Kind != domain.EventScriptStarted {
		t.Fatalf("unexpected history %+v (limit %d)", events, h.limit)
	}

	bad, err := http.Get(ts.URL + "/history?limit=zero")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", bad.StatusCode)
	}

	h.err = errors.New("disk I/O error")
	failed, err := http.Get(ts.URL + "/history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	failed.Body.Close()
	if failed.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", failed.StatusCode)
	}
}

func TestEventsWebsocket(t *testing.T) {
	ts, hub := newTestServer(t, nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ev := domain.NewEvent(domain.EventScriptRestarting)
	ev.Script = "server.js"
	hub.Observe(ev)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got domain.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ID != ev.ID || got.Kind != domain.EventScriptRestarting || got.Script != "server.js" {
		t.Fatalf("unexpected event %+v", got)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	deadline = time.Now().Add(2 * time.Second)
	for hub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not released after close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", staticStatus{}, stream.NewBroadcaster(1), nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatalf("server did not stop")
	}
}
