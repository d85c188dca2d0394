package main

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	persistlog "gridclash.app/internal/persistence/log"
	"gridclash.app/internal/persistence/roomdb"
	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/room"
	"gridclash.app/internal/sim/multiroom"
	"gridclash.app/internal/sim/tuning"
	"gridclash.app/internal/transport/ws"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

type fixture struct {
	dir   string
	store *roomdb.Store
	sink  *settlementSink
	clk   *clock.Manual
	cfg   room.Config
	spec  room.Spec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := roomdb.Open(filepath.Join(dir, "rooms.db"))
	if err != nil {
		t.Fatalf("roomdb.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tune := tuning.Defaults()
	cfg := tune.RoomConfig()
	clk := clock.NewManual(at("2026-10-14T09:10:00Z"))
	setLog := persistlog.NewSettlementLogger(filepath.Join(dir, "logs"))
	t.Cleanup(func() { _ = setLog.Close() })

	sink := &settlementSink{
		dataDir: dir,
		cfg:     cfg,
		clk:     clk,
		store:   store,
		setLog:  setLog,
		hub:     ws.NewHub(),
		log:     log.New(io.Discard, "", 0),
	}
	spec := room.Spec{
		ID:        "r1",
		CreatorID: "alice",
		InviteeID: "bob",
		CreatedAt: at("2026-10-14T08:30:00Z"),
		StartAt:   at("2026-10-14T09:00:00Z"),
		Duration:  2 * time.Hour,
	}
	if err := sink.onCreate(spec); err != nil {
		t.Fatalf("onCreate: %v", err)
	}
	return &fixture{dir: dir, store: store, sink: sink, clk: clk, cfg: cfg, spec: spec}
}

func TestSettlementSink_RecordsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.Credit(ctx, "r1", grid.TeamA, 5000); err != nil {
		t.Fatalf("credit: %v", err)
	}

	r, err := room.New(f.spec, f.cfg, f.clk.Now())
	if err != nil {
		t.Fatalf("room.New: %v", err)
	}
	hooks := f.sink.hooks(f.spec, nil)
	rt := room.NewRuntime(r, f.clk, time.Millisecond, hooks)
	if _, err := r.SetAllocation(f.clk.Now(), grid.TeamA, 1, 200); err != nil {
		t.Fatalf("set: %v", err)
	}

	f.clk.Set(at("2026-10-14T11:00:05Z"))
	rt.StepOnce()

	for _, b := range []string{"2026-10-14T09Z", "2026-10-14T10Z"} {
		if _, ok, err := f.store.Board(ctx, "r1", b); err != nil || !ok {
			t.Fatalf("board %s not stored: ok=%v err=%v", b, ok, err)
		}
		if _, err := os.Stat(filepath.Join(f.dir, "snapshots", "r1", b+".snap.zst")); err != nil {
			t.Fatalf("snapshot %s missing: %v", b, err)
		}
	}
	if bal, _ := f.store.Balance(ctx, "r1", grid.TeamA); bal != 4800 {
		t.Fatalf("wallet must be debited by spend, got %d", bal)
	}

	files, err := persistlog.Files(filepath.Join(f.dir, "logs"))
	if err != nil || len(files) != 2 {
		t.Fatalf("expected one log file per settled hour, got %v err=%v", files, err)
	}
	entries, err := persistlog.ReadSettlements(files[0])
	if err != nil || len(entries) != 1 {
		t.Fatalf("read settlements: %v err=%v", entries, err)
	}
	if _, err := entries[0].Verify(); err != nil {
		t.Fatalf("logged settlement must replay: %v", err)
	}

	// 10Z is the final hour of a two-hour battle.
	if _, err := os.Stat(filepath.Join(f.dir, "archives", "r1", "meta.json")); err != nil {
		t.Fatalf("final settlement must be archived: %v", err)
	}
}

func TestRestoreRooms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := room.New(f.spec, f.cfg, f.clk.Now())
	if err != nil {
		t.Fatalf("room.New: %v", err)
	}
	rt := room.NewRuntime(r, f.clk, time.Millisecond, f.sink.hooks(f.spec, nil))
	if _, err := r.SetAllocation(f.clk.Now(), grid.TeamA, 1, 200); err != nil {
		t.Fatalf("set: %v", err)
	}
	f.clk.Set(at("2026-10-14T10:00:05Z"))
	rt.StepOnce()

	// Submitted after the snapshot; lives only in the db.
	if err := f.store.UpsertAllocations(ctx, "r1", "2026-10-14T10Z", grid.TeamB, map[int]int{14: 300}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// A second room known to the db but never snapshotted.
	other := f.spec
	other.ID = "r2"
	if err := f.store.UpsertRoom(ctx, other); err != nil {
		t.Fatalf("upsert room: %v", err)
	}

	mgr := multiroom.NewManager(multiroom.Options{Room: f.cfg, Clock: f.clk})
	n, err := restoreRooms(ctx, mgr, f.store, f.sink.snapshotDir(), log.New(io.Discard, "", 0))
	if err != nil || n != 2 {
		t.Fatalf("restore: n=%d err=%v", n, err)
	}
	got, ok := mgr.Get("r1")
	if !ok {
		t.Fatalf("r1 not restored")
	}
	v := got.View()
	if v.LastSettled != "2026-10-14T09Z" || v.Board[1].Owner != grid.TeamA {
		t.Fatalf("r1 must resume from its snapshot, got %+v", v)
	}
	if v.Remaining[grid.TeamB] != f.cfg.Budget-300 {
		t.Fatalf("db allocations must be replayed onto the resumed ledger, remaining=%d", v.Remaining[grid.TeamB])
	}

	r2, ok := mgr.Get("r2")
	if !ok {
		t.Fatalf("r2 not resumed")
	}
	r2.StepOnce()
	if v := r2.View(); v.LastSettled != "2026-10-14T09Z" {
		t.Fatalf("r2 must replay missed hours, got last settled %q", v.LastSettled)
	}
}

func TestRestoreRooms_WithoutSnapshotsKeepsStoredHours(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, tm := range grid.Teams {
		if _, err := f.store.Credit(ctx, "r1", tm, 5000); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}

	r, err := room.New(f.spec, f.cfg, f.clk.Now())
	if err != nil {
		t.Fatalf("room.New: %v", err)
	}
	rt := room.NewRuntime(r, f.clk, time.Millisecond, f.sink.hooks(f.spec, nil))
	if _, err := r.SetAllocation(f.clk.Now(), grid.TeamA, 1, 200); err != nil {
		t.Fatalf("set: %v", err)
	}
	f.clk.Set(at("2026-10-14T10:00:05Z"))
	rt.StepOnce()

	board, ok, err := f.store.Board(ctx, "r1", "2026-10-14T09Z")
	if err != nil || !ok {
		t.Fatalf("board 09Z: ok=%v err=%v", ok, err)
	}
	sum, _, err := f.store.Summary(ctx, "r1", "2026-10-14T09Z")
	if err != nil {
		t.Fatalf("summary 09Z: %v", err)
	}

	// Lose every snapshot; the db index still points at the deleted files.
	if err := os.RemoveAll(f.sink.snapshotDir()); err != nil {
		t.Fatalf("remove snapshots: %v", err)
	}
	if err := f.store.UpsertAllocations(ctx, "r1", "2026-10-14T10Z", grid.TeamB, map[int]int{14: 300}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	mgr := multiroom.NewManager(multiroom.Options{
		Room:  f.cfg,
		Clock: f.clk,
		Hooks: func(spec room.Spec) room.Hooks { return f.sink.hooks(spec, nil) },
	})
	n, err := restoreRooms(ctx, mgr, f.store, f.sink.snapshotDir(), log.New(io.Discard, "", 0))
	if err != nil || n != 1 {
		t.Fatalf("restore: n=%d err=%v", n, err)
	}
	got, ok := mgr.Get("r1")
	if !ok {
		t.Fatalf("r1 not restored")
	}
	v := got.View()
	if v.LastSettled != "2026-10-14T09Z" || v.Settlements != 1 || v.Board[1].Owner != grid.TeamA {
		t.Fatalf("r1 must resume from its stored board, got %+v", v)
	}
	if v.Remaining[grid.TeamB] != f.cfg.Budget-300 {
		t.Fatalf("open-hour allocations must be replayed, remaining=%d", v.Remaining[grid.TeamB])
	}

	// Submitted after the restart, read back when the hour settles.
	if err := f.store.UpsertAllocations(ctx, "r1", "2026-10-14T10Z", grid.TeamA, map[int]int{1: 100}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	f.clk.Set(at("2026-10-14T11:00:05Z"))
	got.StepOnce()

	if v := got.View(); v.LastSettled != "2026-10-14T10Z" || v.Settlements != 2 {
		t.Fatalf("10Z must settle once, got last=%q settlements=%d", v.LastSettled, v.Settlements)
	}
	again, _, err := f.store.Board(ctx, "r1", "2026-10-14T09Z")
	if err != nil || again.Digest() != board.Digest() {
		t.Fatalf("stored 09Z board must not be rewritten, err=%v", err)
	}
	sumAgain, _, err := f.store.Summary(ctx, "r1", "2026-10-14T09Z")
	if err != nil || !reflect.DeepEqual(sumAgain, sum) {
		t.Fatalf("stored 09Z summary must not be rewritten: %+v vs %+v", sumAgain, sum)
	}
	last, _, err := f.store.Summary(ctx, "r1", "2026-10-14T10Z")
	if err != nil || last.Spent[grid.TeamA][1] != 100 || last.Spent[grid.TeamB][14] != 300 {
		t.Fatalf("10Z must spend the stored allocations, got %+v err=%v", last.Spent, err)
	}
	if bal, _ := f.store.Balance(ctx, "r1", grid.TeamA); bal != 4700 {
		t.Fatalf("A must be debited once per hour, balance=%d", bal)
	}
	if bal, _ := f.store.Balance(ctx, "r1", grid.TeamB); bal != 4700 {
		t.Fatalf("B must be debited for 10Z only, balance=%d", bal)
	}

	files, err := persistlog.Files(filepath.Join(f.dir, "logs"))
	if err != nil || len(files) != 2 {
		t.Fatalf("expected one log file per hour, got %v err=%v", files, err)
	}
	entries, err := persistlog.ReadSettlements(files[0])
	if err != nil || len(entries) != 1 {
		t.Fatalf("09Z must be logged once, got %d entries err=%v", len(entries), err)
	}
}

func TestSettlementSink_OpeningGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if bal, _ := f.store.Balance(ctx, "r1", grid.TeamA); bal != 0 {
		t.Fatalf("no grant configured, balance=%d", bal)
	}

	f.sink.grant = 2000
	spec := f.spec
	spec.ID = "r3"
	if err := f.sink.onCreate(spec); err != nil {
		t.Fatalf("onCreate: %v", err)
	}
	for _, tm := range grid.Teams {
		if bal, err := f.store.Balance(ctx, "r3", tm); err != nil || bal != 2000 {
			t.Fatalf("team %s must start with the grant, balance=%d err=%v", tm, bal, err)
		}
	}
}
