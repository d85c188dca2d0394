package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Config points the mirror at an ingest endpoint that accepts
// `{"events":[...]}` batches.
type Config struct {
	Endpoint      string
	Token         string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Logger        *log.Logger
}

// HTTPMirror forwards settlement facts to a remote index. It is best
// effort: the local room store stays authoritative and a full queue drops.
type HTTPMirror struct {
	cfg        Config
	httpClient *http.Client

	ch   chan Event
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

type Event struct {
	Kind    string `json:"kind"`
	RoomID  string `json:"room_id"`
	Bucket  string `json:"bucket,omitempty"`
	Payload any    `json:"payload"`
}

const (
	KindRoom       = "room"
	KindSettlement = "settlement"
)

type Stats struct {
	Sent    uint64
	Dropped uint64
	Failed  uint64
	Queued  int
}

func Open(cfg Config) (*HTTPMirror, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty mirror endpoint")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	m := &HTTPMirror{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan Event, 4096),
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop()
	}()
	return m, nil
}

// Close flushes what is queued and stops the sender.
func (m *HTTPMirror) Close() error {
	if m == nil {
		return nil
	}
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.ch)
		m.wg.Wait()
	})
	return nil
}

func (m *HTTPMirror) Enqueue(ev Event) {
	if m == nil || m.closed.Load() {
		return
	}
	select {
	case m.ch <- ev:
	default:
		m.dropped.Add(1)
		m.printf("mirror queue full; drop kind=%s room=%s", ev.Kind, ev.RoomID)
	}
}

func (m *HTTPMirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{Sent: m.sent.Load(), Dropped: m.dropped.Load(), Failed: m.failed.Load(), Queued: len(m.ch)}
}

func (m *HTTPMirror) loop() {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, m.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := m.sendBatch(batch); err != nil {
			m.failed.Add(uint64(len(batch)))
			m.printf("mirror flush failed batch=%d err=%v", len(batch), err)
		} else {
			m.sent.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-m.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= m.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (m *HTTPMirror) sendBatch(events []Event) error {
	body := struct {
		Events []Event `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, m.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if m.cfg.Token != "" {
			req.Header.Set("x-gc-mirror-token", m.cfg.Token)
		}

		resp, err := m.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return err
			}
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (m *HTTPMirror) printf(format string, args ...any) {
	if m != nil && m.cfg.Logger != nil {
		m.cfg.Logger.Printf(format, args...)
	}
}
