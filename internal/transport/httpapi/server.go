package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gridclash.app/internal/protocol"
	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/ledger"
	"gridclash.app/internal/sim/battle/room"
	"gridclash.app/internal/sim/battle/settle"
	"gridclash.app/internal/sim/multiroom"
)

// Store is the durable record behind the API. A nil Store limits board and
// summary reads to the most recent settlement held in memory.
type Store interface {
	UpsertAllocations(ctx context.Context, roomID, bucket string, team grid.Team, allocs map[int]int) error
	Board(ctx context.Context, roomID, bucket string) (grid.Grid, bool, error)
	Summary(ctx context.Context, roomID, bucket string) (settle.RoundSummary, bool, error)
	Summaries(ctx context.Context, roomID, since string, limit int) ([]settle.RoundSummary, error)
}

type Server struct {
	mgr   *multiroom.Manager
	store Store
	log   *log.Logger

	metrics  *metrics
	exporter []func(w io.Writer)
}

func NewServer(mgr *multiroom.Manager, store Store, logger *log.Logger) *Server {
	return &Server{mgr: mgr, store: store, log: logger, metrics: newMetrics()}
}

// AddMetrics appends extra exposition lines to /metrics.
func (s *Server) AddMetrics(fn func(w io.Writer)) {
	if fn != nil {
		s.exporter = append(s.exporter, fn)
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("POST /v1/rooms", s.handleCreate)
	mux.HandleFunc("GET /v1/rooms", s.handleList)
	mux.HandleFunc("GET /v1/rooms/{room}", s.handleRoom)
	mux.HandleFunc("PUT /v1/rooms/{room}/buckets/{bucket}/teams/{team}/allocations", s.handleSubmit)
	mux.HandleFunc("GET /v1/rooms/{room}/buckets/{bucket}/board", s.handleBoard)
	mux.HandleFunc("GET /v1/rooms/{room}/buckets/{bucket}/summary", s.handleSummary)
	mux.HandleFunc("GET /v1/rooms/{room}/summaries", s.handleHistory)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) handleCreate(rw http.ResponseWriter, r *http.Request) {
	var req protocol.CreateRoomReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrProtoBadRequest, "bad json")
		return
	}
	cr := multiroom.CreateRequest{ID: req.ID, CreatorID: req.CreatorID, InviteeID: req.InviteeID}
	if req.StartAt != "" {
		t, err := time.Parse(time.RFC3339, req.StartAt)
		if err != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "start_at must be RFC3339")
			return
		}
		cr.StartAt = t.UTC()
	}
	if req.DurationHours < 0 {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "duration_hours must be positive")
		return
	}
	cr.Duration = time.Duration(req.DurationHours) * time.Hour

	spec, err := s.mgr.Create(cr)
	if err != nil {
		status, code := mapError(err)
		writeError(rw, status, code, err.Error())
		return
	}
	s.logf("room created id=%s creator=%s invitee=%s start=%s", spec.ID, spec.CreatorID, spec.InviteeID, spec.StartAt.Format(time.RFC3339))
	rt, err := s.mgr.Lookup(spec.ID)
	if err != nil {
		writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
		return
	}
	writeJSON(rw, http.StatusCreated, roomStatus(spec, rt.View(), spec.CreatorID))
}

func (s *Server) handleList(rw http.ResponseWriter, r *http.Request) {
	viewer := r.URL.Query().Get("viewer")
	out := []protocol.RoomStatusMsg{}
	for _, spec := range s.mgr.Rooms() {
		rt, ok := s.mgr.Get(spec.ID)
		if !ok {
			continue
		}
		out = append(out, roomStatus(spec, rt.View(), viewer))
	}
	writeJSON(rw, http.StatusOK, out)
}

func (s *Server) handleRoom(rw http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(rw, r)
	if !ok {
		return
	}
	writeJSON(rw, http.StatusOK, roomStatus(rt.Spec(), rt.View(), r.URL.Query().Get("viewer")))
}

func (s *Server) handleSubmit(rw http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room")
	resp := protocol.SubmitAllocationsResp{
		Type:            protocol.TypeSubmitOK,
		ProtocolVersion: protocol.Version,
		RoomID:          roomID,
		Bucket:          r.PathValue("bucket"),
		Team:            r.PathValue("team"),
	}
	fail := func(status int, code, msg string) {
		s.metrics.submit(code)
		resp.OK = false
		resp.Code = code
		resp.Message = msg
		writeJSON(rw, status, resp)
	}

	rt, err := s.mgr.Lookup(roomID)
	if err != nil {
		fail(http.StatusNotFound, protocol.ErrNotFound, err.Error())
		return
	}
	bucket, err := clock.ParseBucket(resp.Bucket)
	if err != nil {
		fail(http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	team, err := grid.ParseTeam(resp.Team)
	if err != nil || !team.Valid() {
		fail(http.StatusBadRequest, protocol.ErrBadRequest, "team must be A or B")
		return
	}
	resp.Team = team.String()

	var req protocol.SubmitAllocationsReq
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		fail(http.StatusBadRequest, protocol.ErrProtoBadRequest, "bad json")
		return
	}
	if req.ProtocolVersion != "" && req.ProtocolVersion != protocol.Version {
		fail(http.StatusBadRequest, protocol.ErrProtoBadRequest, "bad protocol_version")
		return
	}
	if (req.RoomID != "" && req.RoomID != roomID) || (req.Bucket != "" && req.Bucket != bucket.String()) {
		fail(http.StatusBadRequest, protocol.ErrBadRequest, "body does not match path")
		return
	}
	if req.Team != "" {
		if bt, err := grid.ParseTeam(req.Team); err != nil || bt != team {
			fail(http.StatusBadRequest, protocol.ErrBadRequest, "body does not match path")
			return
		}
	}
	for cell, amt := range req.Allocations {
		if !grid.InRange(cell) {
			fail(http.StatusBadRequest, protocol.ErrInvalidTarget, fmt.Sprintf("cell %d out of range", cell))
			return
		}
		if amt < 0 {
			fail(http.StatusBadRequest, protocol.ErrBadRequest, fmt.Sprintf("negative amount for cell %d", cell))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	applied, remaining, err := rt.ReplaceAllocations(ctx, bucket, team, req.Allocations)
	if err != nil {
		status, code := mapError(err)
		fail(status, code, err.Error())
		return
	}
	// The room already holds the new map when persisting fails. The client
	// sees the retryable E_INTERNAL; resending the same map is an upsert, so
	// both copies converge.
	if s.store != nil {
		if err := s.store.UpsertAllocations(ctx, roomID, bucket.String(), team, applied); err != nil {
			s.logf("persist allocations room=%s bucket=%s team=%s: %v", roomID, bucket, team, err)
			fail(http.StatusInternalServerError, protocol.ErrInternal, "persist failed")
			return
		}
	}

	resp.OK = true
	resp.Applied = applied
	resp.Remaining = remaining
	s.metrics.submit("")
	writeJSON(rw, http.StatusOK, resp)
}

func (s *Server) handleBoard(rw http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(rw, r)
	if !ok {
		return
	}
	bucket, err := clock.ParseBucket(r.PathValue("bucket"))
	if err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	msg := protocol.BoardMsg{
		Type:            protocol.TypeBoard,
		ProtocolVersion: protocol.Version,
		RoomID:          rt.ID(),
		Bucket:          bucket.String(),
		Cells:           []protocol.CellMsg{},
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	g, settled, err := s.boardFor(ctx, rt, bucket)
	if err != nil {
		s.logf("board room=%s bucket=%s: %v", rt.ID(), bucket, err)
		writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, "board read failed")
		return
	}
	if settled {
		msg.Settled = true
		msg.Digest = g.Digest()
		msg.Cells = protocol.CellsFromView(g.Snapshot())
	}
	writeJSON(rw, http.StatusOK, msg)
}

func (s *Server) boardFor(ctx context.Context, rt *room.Runtime, bucket clock.HourBucket) (grid.Grid, bool, error) {
	if s.store != nil {
		g, ok, err := s.store.Board(ctx, rt.ID(), bucket.String())
		if err != nil || ok {
			return g, ok, err
		}
	}
	if rt.View().LastSettled != bucket {
		return grid.Grid{}, false, nil
	}
	st, err := rt.State(ctx)
	if err != nil {
		return grid.Grid{}, false, err
	}
	if st.LastSettled != bucket {
		return grid.Grid{}, false, nil
	}
	return st.Grid, true, nil
}

func (s *Server) handleSummary(rw http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(rw, r)
	if !ok {
		return
	}
	bucket, err := clock.ParseBucket(r.PathValue("bucket"))
	if err != nil {
		writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
		return
	}
	sum := settle.EmptySummary(rt.ID(), bucket.String())
	found := false
	if s.store != nil {
		got, ok, err := s.store.Summary(r.Context(), rt.ID(), bucket.String())
		if err != nil {
			s.logf("summary room=%s bucket=%s: %v", rt.ID(), bucket, err)
			writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, "summary read failed")
			return
		}
		if ok {
			sum, found = got, true
		}
	}
	if v := rt.View(); !found && v.LastSettled == bucket {
		sum = v.LastSummary
	}
	writeJSON(rw, http.StatusOK, protocol.SummaryFrom(sum))
}

func (s *Server) handleHistory(rw http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(rw, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	since := q.Get("since")
	if since != "" {
		if _, err := clock.ParseBucket(since); err != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, err.Error())
			return
		}
	}
	limit := 24
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 200)
	}

	msg := protocol.HistoryMsg{
		Type:            protocol.TypeHistory,
		ProtocolVersion: protocol.Version,
		RoomID:          rt.ID(),
		Summaries:       []protocol.SummaryMsg{},
	}
	if s.store == nil {
		v := rt.View()
		if v.LastSettled != "" && (since == "" || since < v.LastSettled.String()) {
			msg.Summaries = append(msg.Summaries, protocol.SummaryFrom(v.LastSummary))
		}
		writeJSON(rw, http.StatusOK, msg)
		return
	}
	// One extra row tells whether another page exists.
	page, err := s.store.Summaries(r.Context(), rt.ID(), since, limit+1)
	if err != nil {
		s.logf("history room=%s: %v", rt.ID(), err)
		writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, "history read failed")
		return
	}
	if len(page) > limit {
		page = page[:limit]
		msg.NextBucket = page[len(page)-1].Bucket
	}
	for _, sum := range page {
		msg.Summaries = append(msg.Summaries, protocol.SummaryFrom(sum))
	}
	writeJSON(rw, http.StatusOK, msg)
}

func (s *Server) lookup(rw http.ResponseWriter, r *http.Request) (*room.Runtime, bool) {
	rt, err := s.mgr.Lookup(r.PathValue("room"))
	if err != nil {
		writeError(rw, http.StatusNotFound, protocol.ErrNotFound, err.Error())
		return nil, false
	}
	return rt, true
}

func roomStatus(spec room.Spec, v room.View, viewer string) protocol.RoomStatusMsg {
	msg := protocol.RoomStatusMsg{
		Type:             protocol.TypeRoom,
		ProtocolVersion:  protocol.Version,
		RoomID:           spec.ID,
		CreatorID:        spec.CreatorID,
		InviteeID:        spec.InviteeID,
		StartAt:          spec.StartAt.UTC().Format(time.RFC3339),
		EndAt:            spec.EndAt().UTC().Format(time.RFC3339),
		Phase:            v.Phase,
		Lock:             v.Lock,
		Bucket:           v.Bucket.String(),
		SecondsRemaining: v.SecondsRemaining,
		LastSettled:      v.LastSettled.String(),
		Remaining:        protocol.TeamMap(v.Remaining),
		Cells:            protocol.CellsFromView(v.Board),
	}
	if strings.TrimSpace(viewer) != "" {
		role := room.RoleOf(viewer, spec)
		msg.Role = role.String()
		msg.Team = role.Team().String()
		if t := role.Team(); t.Valid() {
			msg.Threats = map[string]map[int]int{protocol.TeamKey(t): v.Threats[t]}
		}
	}
	return msg
}

// mapError turns a domain error into an HTTP status and wire code.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, multiroom.ErrRoomNotFound):
		return http.StatusNotFound, protocol.ErrNotFound
	case errors.Is(err, multiroom.ErrDuplicateRoom):
		return http.StatusConflict, protocol.ErrConflict
	case errors.Is(err, room.ErrBadSpec), errors.Is(err, room.ErrBadTeam):
		return http.StatusBadRequest, protocol.ErrBadRequest
	case errors.Is(err, ledger.ErrCellOutOfRange):
		return http.StatusBadRequest, protocol.ErrInvalidTarget
	case errors.Is(err, room.ErrLocked):
		return http.StatusConflict, protocol.ErrLocked
	case errors.Is(err, room.ErrStaleBucket):
		return http.StatusConflict, protocol.ErrStale
	case errors.Is(err, room.ErrNotBattle):
		return http.StatusConflict, protocol.ErrNotBattle
	case errors.Is(err, room.ErrRoomClosed), errors.Is(err, multiroom.ErrManagerClosed):
		return http.StatusGone, protocol.ErrRoomClosed
	case errors.Is(err, room.ErrWalletUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, protocol.ErrInternal
	}
	return http.StatusInternalServerError, protocol.ErrInternal
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         msg,
	})
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
