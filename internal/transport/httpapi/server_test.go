package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gridclash.app/internal/persistence/roomdb"
	"gridclash.app/internal/protocol"
	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/room"
	"gridclash.app/internal/sim/multiroom"
)

type harness struct {
	clk   *clock.Manual
	mgr   *multiroom.Manager
	store *roomdb.Store
	srv   *httptest.Server
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, wallet room.Wallet) *harness {
	t.Helper()
	store, err := roomdb.Open(filepath.Join(t.TempDir(), "rooms.db"))
	if err != nil {
		t.Fatalf("roomdb.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.NewManual(at("2026-10-14T09:10:00Z"))
	mgr := multiroom.NewManager(multiroom.Options{
		Room: room.Config{
			Budget: 1000,
			Lock:   2 * time.Minute,
			Layout: grid.Layout{HPMax: 400, DecayPerHour: 10, NeutralHP: 120, HomeHP: 300},
		},
		Refresh:  5 * time.Millisecond,
		Duration: 3 * time.Hour,
		Clock:    clk,
		OnCreate: func(spec room.Spec) error {
			return store.UpsertRoom(context.Background(), spec)
		},
		Hooks: func(spec room.Spec) room.Hooks {
			return room.Hooks{
				Wallet: wallet,
				OnSettled: func(s room.Settlement, _ room.State) {
					_ = store.PutSettlement(context.Background(), s.RoomID, s.Bucket.String(), s.Result.Grid, s.Result.Summary)
				},
			}
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = mgr.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	srv := httptest.NewServer(NewServer(mgr, store, nil).Handler())
	t.Cleanup(srv.Close)
	return &harness{clk: clk, mgr: mgr, store: store, srv: srv}
}

func (h *harness) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (h *harness) create(t *testing.T) string {
	t.Helper()
	var msg protocol.RoomStatusMsg
	code := h.do(t, http.MethodPost, "/v1/rooms", protocol.CreateRoomReq{ID: "r1", CreatorID: "alice", InviteeID: "bob"}, &msg)
	if code != http.StatusCreated {
		t.Fatalf("create status=%d", code)
	}
	if msg.RoomID != "r1" || msg.Role != "CREATOR" || msg.Team != "A" || msg.Phase != "BATTLE" || len(msg.Cells) != grid.Cells {
		t.Fatalf("unexpected room status %+v", msg)
	}
	return msg.RoomID
}

func submitPath(roomID, bucket, team string) string {
	return "/v1/rooms/" + roomID + "/buckets/" + bucket + "/teams/" + team + "/allocations"
}

func TestCreateRoom_Errors(t *testing.T) {
	h := newHarness(t)
	h.create(t)

	var e protocol.ErrorMsg
	if code := h.do(t, http.MethodPost, "/v1/rooms", protocol.CreateRoomReq{ID: "r1", CreatorID: "x", InviteeID: "y"}, &e); code != http.StatusConflict || e.Code != protocol.ErrConflict {
		t.Fatalf("duplicate: status=%d code=%s", code, e.Code)
	}
	if code := h.do(t, http.MethodPost, "/v1/rooms", protocol.CreateRoomReq{CreatorID: "x", InviteeID: "x"}, &e); code != http.StatusBadRequest || e.Code != protocol.ErrBadRequest {
		t.Fatalf("bad spec: status=%d code=%s", code, e.Code)
	}
	if code := h.do(t, http.MethodGet, "/v1/rooms/nope", nil, &e); code != http.StatusNotFound || e.Code != protocol.ErrNotFound {
		t.Fatalf("missing: status=%d code=%s", code, e.Code)
	}
}

func TestSubmit_StoresAndRejects(t *testing.T) {
	h := newHarness(t)
	id := h.create(t)
	bucket := "2026-10-14T09Z"

	var resp protocol.SubmitAllocationsResp
	code := h.do(t, http.MethodPut, submitPath(id, bucket, "A"), protocol.SubmitAllocationsReq{Allocations: map[int]int{1: 200, 4: 0}}, &resp)
	if code != http.StatusOK || !resp.OK || resp.Applied[1] != 200 || len(resp.Applied) != 1 || resp.Remaining != 800 {
		t.Fatalf("submit: status=%d resp=%+v", code, resp)
	}
	stored, err := h.store.Allocations(context.Background(), id, bucket, grid.TeamA)
	if err != nil || stored[1] != 200 {
		t.Fatalf("allocations not persisted: %v err=%v", stored, err)
	}

	// Same body again is a no-op.
	code = h.do(t, http.MethodPut, submitPath(id, bucket, "A"), protocol.SubmitAllocationsReq{Allocations: map[int]int{1: 200}}, &resp)
	if code != http.StatusOK || resp.Remaining != 800 {
		t.Fatalf("resubmit: status=%d resp=%+v", code, resp)
	}

	cases := []struct {
		name   string
		path   string
		body   protocol.SubmitAllocationsReq
		status int
		code   string
	}{
		{"stale", submitPath(id, "2026-10-14T08Z", "A"), protocol.SubmitAllocationsReq{Allocations: map[int]int{1: 1}}, http.StatusConflict, protocol.ErrStale},
		{"bad team", submitPath(id, bucket, "C"), protocol.SubmitAllocationsReq{}, http.StatusBadRequest, protocol.ErrBadRequest},
		{"bad bucket", submitPath(id, "yesterday", "A"), protocol.SubmitAllocationsReq{}, http.StatusBadRequest, protocol.ErrBadRequest},
		{"cell range", submitPath(id, bucket, "B"), protocol.SubmitAllocationsReq{Allocations: map[int]int{16: 5}}, http.StatusBadRequest, protocol.ErrInvalidTarget},
		{"mismatch", submitPath(id, bucket, "B"), protocol.SubmitAllocationsReq{Team: "A", Allocations: map[int]int{}}, http.StatusBadRequest, protocol.ErrBadRequest},
		{"unknown room", submitPath("nope", bucket, "A"), protocol.SubmitAllocationsReq{}, http.StatusNotFound, protocol.ErrNotFound},
	}
	for _, tc := range cases {
		var r protocol.SubmitAllocationsResp
		status := h.do(t, http.MethodPut, tc.path, tc.body, &r)
		if status != tc.status || r.OK || r.Code != tc.code {
			t.Fatalf("%s: status=%d resp=%+v", tc.name, status, r)
		}
	}

	h.clk.Set(at("2026-10-14T09:58:30Z"))
	code = h.do(t, http.MethodPut, submitPath(id, bucket, "A"), protocol.SubmitAllocationsReq{Allocations: map[int]int{1: 300}}, &resp)
	if code != http.StatusConflict || resp.Code != protocol.ErrLocked {
		t.Fatalf("lock window: status=%d resp=%+v", code, resp)
	}
}

func TestSettlement_BoardSummaryHistory(t *testing.T) {
	h := newHarness(t)
	id := h.create(t)
	bucket := "2026-10-14T09Z"

	var board protocol.BoardMsg
	if code := h.do(t, http.MethodGet, "/v1/rooms/"+id+"/buckets/"+bucket+"/board", nil, &board); code != http.StatusOK || board.Settled {
		t.Fatalf("open bucket must be unsettled: status=%d board=%+v", code, board)
	}

	var resp protocol.SubmitAllocationsResp
	h.do(t, http.MethodPut, submitPath(id, bucket, "A"), protocol.SubmitAllocationsReq{Allocations: map[int]int{1: 200}}, &resp)
	h.clk.Set(at("2026-10-14T10:00:02Z"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		board = protocol.BoardMsg{}
		h.do(t, http.MethodGet, "/v1/rooms/"+id+"/buckets/"+bucket+"/board", nil, &board)
		if board.Settled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bucket never settled")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(board.Cells) != grid.Cells || board.Cells[1].Owner != "A" || board.Cells[1].HPNow != 90 {
		t.Fatalf("unexpected settled board %+v", board.Cells[1])
	}
	g, ok, err := h.store.Board(context.Background(), id, bucket)
	if err != nil || !ok || g.Digest() != board.Digest {
		t.Fatalf("served board must match the stored one: ok=%v err=%v", ok, err)
	}

	var sum protocol.SummaryMsg
	if code := h.do(t, http.MethodGet, "/v1/rooms/"+id+"/buckets/"+bucket+"/summary", nil, &sum); code != http.StatusOK {
		t.Fatalf("summary status=%d", code)
	}
	if sum.Spent["A"][1] != 200 || len(sum.Captures) != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	var hist protocol.HistoryMsg
	if code := h.do(t, http.MethodGet, "/v1/rooms/"+id+"/summaries?limit=5", nil, &hist); code != http.StatusOK {
		t.Fatalf("history status=%d", code)
	}
	if len(hist.Summaries) != 1 || hist.Summaries[0].Bucket != bucket || hist.NextBucket != "" {
		t.Fatalf("unexpected history %+v", hist)
	}

	var st protocol.RoomStatusMsg
	h.do(t, http.MethodGet, "/v1/rooms/"+id+"?viewer=bob", nil, &st)
	if st.Role != "INVITED" || st.Team != "B" || st.LastSettled != bucket || st.Bucket != "2026-10-14T10Z" {
		t.Fatalf("unexpected status after settle %+v", st)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	id := h.create(t)
	var resp protocol.SubmitAllocationsResp
	h.do(t, http.MethodPut, submitPath(id, "2026-10-14T09Z", "A"), protocol.SubmitAllocationsReq{Allocations: map[int]int{1: 10}}, &resp)

	res, err := http.Get(h.srv.URL + "/healthz")
	if err != nil || res.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v", err)
	}
	res.Body.Close()

	res, err = http.Get(h.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer res.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(res.Body)
	body := buf.String()
	for _, want := range []string{
		"gridclash_rooms 1",
		`gridclash_submit_total{code="OK"} 1`,
		`gridclash_room_owned_cells{room="r1",team="A"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestSubmit_ClampedByWalletBalance(t *testing.T) {
	wallet := room.NewMemWallet()
	wallet.Credit("r1", grid.TeamB, 300)
	h := newHarnessWith(t, wallet)
	id := h.create(t)
	bucket := "2026-10-14T09Z"

	var resp protocol.SubmitAllocationsResp
	code := h.do(t, http.MethodPut, submitPath(id, bucket, "A"), protocol.SubmitAllocationsReq{Allocations: map[int]int{1: 200}}, &resp)
	if code != http.StatusOK || !resp.OK || len(resp.Applied) != 0 || resp.Remaining != 0 {
		t.Fatalf("empty wallet must clamp to nothing: status=%d resp=%+v", code, resp)
	}
	code = h.do(t, http.MethodPut, submitPath(id, bucket, "B"), protocol.SubmitAllocationsReq{Allocations: map[int]int{14: 500}}, &resp)
	if code != http.StatusOK || resp.Applied[14] != 300 || resp.Remaining != 0 {
		t.Fatalf("expected clamp to wallet balance 300: status=%d resp=%+v", code, resp)
	}

	wallet.Credit("r1", grid.TeamA, 5000)
	code = h.do(t, http.MethodPut, submitPath(id, bucket, "A"), protocol.SubmitAllocationsReq{Allocations: map[int]int{1: 200}}, &resp)
	if code != http.StatusOK || resp.Applied[1] != 200 || resp.Remaining != 800 {
		t.Fatalf("funded wallet keeps the hourly budget cap: status=%d resp=%+v", code, resp)
	}
}
