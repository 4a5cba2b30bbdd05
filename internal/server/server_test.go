package server

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sfmbatch/internal/pipeline"
	"sfmbatch/internal/storage"
)

type stubEvents struct {
	mu   sync.Mutex
	subs []chan pipeline.Event
	subd chan struct{}
}

func newStubEvents() *stubEvents {
	return &stubEvents{subd: make(chan struct{}, 4)}
}

func (s *stubEvents) Subscribe() (<-chan pipeline.Event, func()) {
	ch := make(chan pipeline.Event, 4)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	s.subd <- struct{}{}
	return ch, func() {}
}

func (s *stubEvents) publish(ev pipeline.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		ch <- ev
	}
}

func newTestServer(t *testing.T, events EventSource) (*httptest.Server, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	srv := httptest.NewServer(New("", store, events, slog.Default()).Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}

func TestRunsAndRunDetail(t *testing.T) {
	srv, store := newTestServer(t, nil)
	store.StartRun(storage.RunRecord{ID: "r1", SourcePath: "/data/garden", BatchSize: 100})
	store.RecordBatch(storage.BatchRecord{RunID: "r1", Index: 0, Dir: "/data/garden/batch_0", ImageCount: 100, Status: "succeeded"})
	store.RecordAttempt(storage.AttemptRecord{RunID: "r1", Stage: "mapper", Command: "colmap mapper", Attempt: 1, Total: 2, StartedAt: time.Now()})
	store.FinishRun("r1", storage.RunCompleted, nil, "")

	resp, err := http.Get(srv.URL + "/runs?limit=5")
	if err != nil {
		t.Fatal(err)
	}
	var runs []storage.RunRecord
	json.NewDecoder(resp.Body).Decode(&runs)
	resp.Body.Close()
	if len(runs) != 1 || runs[0].ID != "r1" || runs[0].Status != storage.RunCompleted {
		t.Fatalf("unexpected runs %+v", runs)
	}

	resp, err = http.Get(srv.URL + "/runs/r1")
	if err != nil {
		t.Fatal(err)
	}
	var detail RunDetail
	json.NewDecoder(resp.Body).Decode(&detail)
	resp.Body.Close()
	if detail.Run.ID != "r1" || len(detail.Batches) != 1 || len(detail.Attempts) != 1 {
		t.Fatalf("unexpected detail %+v", detail)
	}
}

func TestRunNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/runs/missing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStreamUnavailableWithoutRun(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	for _, path := range []string{"/stream", "/ws"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, resp.StatusCode)
		}
	}
}

func TestStreamDeliversEvents(t *testing.T) {
	events := newStubEvents()
	srv, _ := newTestServer(t, events)

	resp, err := http.Get(srv.URL + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	<-events.subd
	events.publish(pipeline.Event{RunID: "r1", Stage: pipeline.StageMerge, Batch: -1, Status: pipeline.StatusSucceeded})

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, `"stage":"merge"`) {
		t.Fatalf("unexpected SSE line %q", line)
	}
}

func TestWebSocketDeliversEvents(t *testing.T) {
	events := newStubEvents()
	srv, _ := newTestServer(t, events)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	<-events.subd
	events.publish(pipeline.Event{RunID: "r1", Stage: pipeline.StageReconstruct, Batch: 2, Status: pipeline.StatusFailed})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev pipeline.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Batch != 2 || ev.Status != pipeline.StatusFailed {
		t.Fatalf("unexpected event %+v", ev)
	}
}
