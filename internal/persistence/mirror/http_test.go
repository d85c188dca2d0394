package mirror

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestHTTPMirror_BatchesAndFlushesOnClose(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
		tokens []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []Event `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		events = append(events, body.Events...)
		tokens = append(tokens, r.Header.Get("x-gc-mirror-token"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, err := Open(Config{Endpoint: srv.URL, Token: "secret", BatchSize: 2, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m.Enqueue(Event{Kind: KindRoom, RoomID: "r1"})
	m.Enqueue(Event{Kind: KindSettlement, RoomID: "r1", Bucket: "2026-10-14T09Z"})
	m.Enqueue(Event{Kind: KindSettlement, RoomID: "r1", Bucket: "2026-10-14T10Z"})
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 3 {
		t.Fatalf("expected 3 mirrored events, got %d", len(events))
	}
	for _, tok := range tokens {
		if tok != "secret" {
			t.Fatalf("missing token header")
		}
	}
	if s := m.Stats(); s.Sent != 3 || s.Failed != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestHTTPMirror_ClientErrorIsNotRetried(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m, err := Open(Config{Endpoint: srv.URL, BatchSize: 1, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m.Enqueue(Event{Kind: KindRoom, RoomID: "r1"})
	_ = m.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", calls)
	}
	if s := m.Stats(); s.Failed != 1 {
		t.Fatalf("expected failed=1, got %+v", s)
	}
}

func TestOpen_RequiresEndpoint(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}
