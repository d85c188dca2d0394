package roomdb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/room"
	"gridclash.app/internal/sim/battle/settle"
)

func openTest(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rooms.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func testSpec() room.Spec {
	start := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	return room.Spec{
		ID:        "r1",
		CreatorID: "alice",
		InviteeID: "bob",
		CreatedAt: start.Add(-30 * time.Minute),
		StartAt:   start,
		Duration:  72 * time.Hour,
	}
}

func TestStore_Rooms(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	spec := testSpec()
	if err := s.UpsertRoom(ctx, spec); err != nil {
		t.Fatalf("UpsertRoom: %v", err)
	}
	if err := s.UpsertRoom(ctx, spec); err != nil {
		t.Fatalf("UpsertRoom again: %v", err)
	}
	got, err := s.Rooms(ctx)
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r1" || !got[0].StartAt.Equal(spec.StartAt) || got[0].Duration != spec.Duration {
		t.Fatalf("unexpected rooms %+v", got)
	}
}

func TestStore_UpsertAllocationsReplaces(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	if err := s.UpsertRoom(ctx, testSpec()); err != nil {
		t.Fatalf("UpsertRoom: %v", err)
	}
	b := "2026-10-14T09Z"
	if err := s.UpsertAllocations(ctx, "r1", b, grid.TeamA, map[int]int{1: 200, 4: 100}); err != nil {
		t.Fatalf("UpsertAllocations: %v", err)
	}
	if err := s.UpsertAllocations(ctx, "r1", b, grid.TeamA, map[int]int{1: 300, 4: 0}); err != nil {
		t.Fatalf("UpsertAllocations: %v", err)
	}
	got, err := s.Allocations(ctx, "r1", b, grid.TeamA)
	if err != nil {
		t.Fatalf("Allocations: %v", err)
	}
	if len(got) != 1 || got[1] != 300 {
		t.Fatalf("expected replacement {1:300}, got %v", got)
	}
	other, _ := s.Allocations(ctx, "r1", b, grid.TeamB)
	if len(other) != 0 {
		t.Fatalf("other team must be untouched, got %v", other)
	}
}

func TestStore_PutSettlementRoundTrip(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	if err := s.UpsertRoom(ctx, testSpec()); err != nil {
		t.Fatalf("UpsertRoom: %v", err)
	}
	b := "2026-10-14T09Z"
	if _, ok, err := s.Board(ctx, "r1", b); err != nil || ok {
		t.Fatalf("unsettled bucket must report ok=false, err=%v", err)
	}

	g := grid.New(grid.Layout{HPMax: 400, DecayPerHour: 10, NeutralHP: 120, HomeHP: 300})
	g.Cells[1].Owner = grid.TeamA
	g.Cells[1].HPNow = 90
	g.Cells[5].Pressure = 40
	g.Cells[5].PressureBy = grid.TeamB
	sum := settle.EmptySummary("r1", b)
	sum.Seed = 77
	sum.Spent[grid.TeamA][1] = 200
	sum.Captures = []settle.Capture{{Cell: 1, From: grid.Neutral, To: grid.TeamA, Cause: settle.CauseAttack}}

	if err := s.PutSettlement(ctx, "r1", b, g, sum); err != nil {
		t.Fatalf("PutSettlement: %v", err)
	}
	got, ok, err := s.Board(ctx, "r1", b)
	if err != nil || !ok {
		t.Fatalf("Board: ok=%v err=%v", ok, err)
	}
	if got.Digest() != g.Digest() {
		t.Fatalf("board digest mismatch after round trip")
	}
	gotSum, ok, err := s.Summary(ctx, "r1", b)
	if err != nil || !ok {
		t.Fatalf("Summary: ok=%v err=%v", ok, err)
	}
	if gotSum.Seed != 77 || gotSum.SpentTotal(grid.TeamA) != 200 || len(gotSum.Captures) != 1 {
		t.Fatalf("unexpected summary %+v", gotSum)
	}

	if err := s.PutSettlement(ctx, "r1", "2026-10-14T10Z", g, settle.EmptySummary("r1", "2026-10-14T10Z")); err != nil {
		t.Fatalf("PutSettlement: %v", err)
	}
	page, err := s.Summaries(ctx, "r1", b, 10)
	if err != nil {
		t.Fatalf("Summaries: %v", err)
	}
	if len(page) != 1 || page[0].Bucket != "2026-10-14T10Z" {
		t.Fatalf("expected page after %s, got %+v", b, page)
	}
}

func TestStore_LatestSettlement(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	if err := s.UpsertRoom(ctx, testSpec()); err != nil {
		t.Fatalf("UpsertRoom: %v", err)
	}
	if _, ok, err := s.LatestSettlement(ctx, "r1"); err != nil || ok {
		t.Fatalf("unsettled room must report ok=false, err=%v", err)
	}

	g := grid.New(grid.Layout{HPMax: 400, DecayPerHour: 10, NeutralHP: 120, HomeHP: 300})
	for _, b := range []string{"2026-10-14T09Z", "2026-10-14T11Z", "2026-10-14T10Z"} {
		sum := settle.EmptySummary("r1", b)
		sum.Seed = settle.SeedFor("r1", b)
		if err := s.PutSettlement(ctx, "r1", b, g, sum); err != nil {
			t.Fatalf("PutSettlement %s: %v", b, err)
		}
	}
	g.Cells[2].Owner = grid.TeamB
	g.Cells[2].HPNow = 55
	if err := s.PutSettlement(ctx, "r1", "2026-10-14T12Z", g, settle.EmptySummary("r1", "2026-10-14T12Z")); err != nil {
		t.Fatalf("PutSettlement: %v", err)
	}

	got, ok, err := s.LatestSettlement(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("LatestSettlement: ok=%v err=%v", ok, err)
	}
	if got.Bucket != "2026-10-14T12Z" || got.Settlements != 4 || got.Grid.Digest() != g.Digest() {
		t.Fatalf("unexpected latest settlement bucket=%s settlements=%d", got.Bucket, got.Settlements)
	}
	if got.Summary.Bucket != "2026-10-14T12Z" {
		t.Fatalf("summary not joined: %+v", got.Summary)
	}
}

func TestStore_Wallet(t *testing.T) {
	s, _ := openTest(t)
	ctx := context.Background()
	if bal, err := s.Credit(ctx, "r1", grid.TeamA, 500); err != nil || bal != 500 {
		t.Fatalf("Credit: bal=%d err=%v", bal, err)
	}
	if bal, err := s.Debit(ctx, "r1", grid.TeamA, 200); err != nil || bal != 300 {
		t.Fatalf("Debit: bal=%d err=%v", bal, err)
	}
	if _, err := s.Debit(ctx, "r1", grid.TeamA, 1000); !errors.Is(err, room.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if bal, _ := s.Balance(ctx, "r1", grid.TeamA); bal != 0 {
		t.Fatalf("overdraft must drain to zero, got %d", bal)
	}
	if bal, _ := s.Balance(ctx, "r1", grid.TeamB); bal != 0 {
		t.Fatalf("unknown wallet must read as zero, got %d", bal)
	}
}

func TestStore_RecordSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rooms.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.RecordSnapshot("r1", "2026-10-14T09Z", "/abs/r1/2026-10-14T09Z.snap.zst", 1)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	var (
		bucket, snap string
		n            int
	)
	row := db.QueryRow(`SELECT bucket,path,settlements FROM snapshots WHERE room_id='r1'`)
	if err := row.Scan(&bucket, &snap, &n); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if bucket != "2026-10-14T09Z" || snap != "/abs/r1/2026-10-14T09Z.snap.zst" || n != 1 {
		t.Fatalf("row mismatch: bucket=%q path=%q n=%d", bucket, snap, n)
	}
}
