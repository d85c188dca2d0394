package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"gridclash.app/internal/protocol"
	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/room"
)

// Room is what the push server needs from a running room.
type Room interface {
	ID() string
	View() room.View
	State(ctx context.Context) (room.State, error)
}

type Lookup func(roomID string) (Room, bool)

// Hub fans settlement pushes out to every socket watching a room. Slow
// readers lose their oldest queued frame rather than stalling the room.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[uint64]chan []byte

	nextID  atomic.Uint64
	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewHub() *Hub { return &Hub{subs: map[string]map[uint64]chan []byte{}} }

func (h *Hub) subscribe(roomID string, queue int) (uint64, chan []byte) {
	id := h.nextID.Add(1)
	ch := make(chan []byte, queue)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[roomID] == nil {
		h.subs[roomID] = map[uint64]chan []byte{}
	}
	h.subs[roomID][id] = ch
	return id, ch
}

func (h *Hub) unsubscribe(roomID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[roomID], id)
	if len(h.subs[roomID]) == 0 {
		delete(h.subs, roomID)
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}

// Publish pushes SETTLED then BOARD for one committed settlement. It runs on
// the room goroutine and never blocks.
func (h *Hub) Publish(s room.Settlement, st room.State) {
	g := s.Result.Grid
	digest := g.Digest()
	settled, err := json.Marshal(protocol.SettledMsg{
		Type:            protocol.TypeSettled,
		ProtocolVersion: protocol.Version,
		RoomID:          s.RoomID,
		Bucket:          s.Bucket.String(),
		Next:            st.OpenBucket.String(),
		Digest:          digest,
		Settlements:     st.Settlements,
	})
	if err != nil {
		return
	}
	board, err := json.Marshal(boardMsg(s.RoomID, s.Bucket.String(), g))
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[s.RoomID] {
		h.sendLatest(ch, settled)
		h.sendLatest(ch, board)
	}
}

func (h *Hub) sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		h.sent.Add(1)
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
		h.dropped.Add(1)
	default:
	}
	select {
	case ch <- b:
		h.sent.Add(1)
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) WriteMetrics(w io.Writer) {
	fmt.Fprintf(w, "gridclash_ws_clients %d\n", h.Clients())
	fmt.Fprintf(w, "gridclash_ws_frames_sent_total %d\n", h.sent.Load())
	fmt.Fprintf(w, "gridclash_ws_frames_dropped_total %d\n", h.dropped.Load())
}

func boardMsg(roomID, bucket string, g grid.Grid) protocol.BoardMsg {
	return protocol.BoardMsg{
		Type:            protocol.TypeBoard,
		ProtocolVersion: protocol.Version,
		RoomID:          roomID,
		Bucket:          bucket,
		Settled:         true,
		Digest:          g.Digest(),
		Cells:           protocol.CellsFromView(g.Snapshot()),
	}
}

const (
	pingEvery   = 25 * time.Second
	readTimeout = 60 * time.Second
)

type Server struct {
	hub    *Hub
	lookup Lookup
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, lookup Lookup, logger *log.Logger) *Server {
	return &Server{
		hub:    hub,
		lookup: lookup,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Handler serves GET /v1/rooms/{room}/ws. The client only listens; anything
// it sends is read and discarded so that close frames are noticed.
func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rm, ok := s.lookup(r.PathValue("room"))
		if !ok {
			http.Error(rw, "room not found", http.StatusNotFound)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id, out := s.hub.subscribe(rm.ID(), 16)
		defer s.hub.unsubscribe(rm.ID(), id)

		// Latest settled board first, so a fresh client need not poll.
		if v := rm.View(); v.LastSettled != "" {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			st, err := rm.State(ctx)
			cancel()
			if err == nil && st.LastSettled != "" {
				if err := writeJSON(conn, boardMsg(rm.ID(), st.LastSettled.String(), st.Grid)); err != nil {
					return
				}
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine. It also owns pings; gorilla clients answer them
		// by default and the pong handler keeps the read deadline moving.
		writeErr := make(chan error, 1)
		go func() {
			ping := time.NewTicker(pingEvery)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						writeErr <- err
						cancel()
						return
					}
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
