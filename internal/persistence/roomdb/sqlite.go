package roomdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/room"
	"gridclash.app/internal/sim/battle/settle"
)

const schemaVersion = "1"

// Store is the authoritative record of rooms, submitted allocations,
// settled boards and summaries, and team wallets. Snapshot bookkeeping is
// a secondary index written asynchronously.
type Store struct {
	db *sql.DB

	ch   chan snapshotRow
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type snapshotRow struct {
	RoomID      string
	Bucket      string
	Path        string
	Settlements int
	RecordedAt  string
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, ch: make(chan snapshotRow, 4096)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			creator_id TEXT NOT NULL,
			invitee_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			start_at TEXT NOT NULL,
			duration_sec INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS allocations (
			room_id TEXT NOT NULL REFERENCES rooms(id),
			bucket TEXT NOT NULL,
			team TEXT NOT NULL,
			cell INTEGER NOT NULL,
			amount INTEGER NOT NULL,
			PRIMARY KEY (room_id, bucket, team, cell)
		);`,
		`CREATE TABLE IF NOT EXISTS boards (
			room_id TEXT NOT NULL REFERENCES rooms(id),
			bucket TEXT NOT NULL,
			digest TEXT NOT NULL,
			grid_json TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (room_id, bucket)
		);`,
		`CREATE TABLE IF NOT EXISTS summaries (
			room_id TEXT NOT NULL REFERENCES rooms(id),
			bucket TEXT NOT NULL,
			seed INTEGER NOT NULL,
			summary_json TEXT NOT NULL,
			PRIMARY KEY (room_id, bucket)
		);`,
		`CREATE TABLE IF NOT EXISTS wallets (
			room_id TEXT NOT NULL,
			team TEXT NOT NULL,
			balance INTEGER NOT NULL,
			PRIMARY KEY (room_id, team)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			room_id TEXT NOT NULL,
			bucket TEXT NOT NULL,
			path TEXT NOT NULL,
			settlements INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (room_id, bucket)
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','` + schemaVersion + `');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) UpsertRoom(ctx context.Context, spec room.Spec) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms(id,creator_id,invitee_id,created_at,start_at,duration_sec) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET creator_id=excluded.creator_id, invitee_id=excluded.invitee_id,
		   created_at=excluded.created_at, start_at=excluded.start_at, duration_sec=excluded.duration_sec`,
		spec.ID, spec.CreatorID, spec.InviteeID,
		spec.CreatedAt.UTC().Format(time.RFC3339Nano),
		spec.StartAt.UTC().Format(time.RFC3339Nano),
		int64(spec.Duration/time.Second),
	)
	return err
}

func (s *Store) Rooms(ctx context.Context) ([]room.Spec, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,creator_id,invitee_id,created_at,start_at,duration_sec FROM rooms ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []room.Spec
	for rows.Next() {
		var (
			sp               room.Spec
			created, started string
			dur              int64
		)
		if err := rows.Scan(&sp.ID, &sp.CreatorID, &sp.InviteeID, &created, &started, &dur); err != nil {
			return nil, err
		}
		if sp.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("room %s created_at: %w", sp.ID, err)
		}
		if sp.StartAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("room %s start_at: %w", sp.ID, err)
		}
		sp.Duration = time.Duration(dur) * time.Second
		out = append(out, sp)
	}
	return out, rows.Err()
}

// UpsertAllocations replaces the stored map of one (room, bucket, team).
// Zero and negative amounts are dropped.
func (s *Store) UpsertAllocations(ctx context.Context, roomID, bucket string, team grid.Team, allocs map[int]int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM allocations WHERE room_id=? AND bucket=? AND team=?`, roomID, bucket, team.String()); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO allocations(room_id,bucket,team,cell,amount) VALUES(?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	cells := make([]int, 0, len(allocs))
	for c := range allocs {
		cells = append(cells, c)
	}
	sort.Ints(cells)
	for _, c := range cells {
		if allocs[c] <= 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, roomID, bucket, team.String(), c, allocs[c]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Allocations(ctx context.Context, roomID, bucket string, team grid.Team) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cell,amount FROM allocations WHERE room_id=? AND bucket=? AND team=?`, roomID, bucket, team.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]int{}
	for rows.Next() {
		var cell, amount int
		if err := rows.Scan(&cell, &amount); err != nil {
			return nil, err
		}
		out[cell] = amount
	}
	return out, rows.Err()
}

// PutSettlement records the post-settlement board and summary of one bucket
// together.
func (s *Store) PutSettlement(ctx context.Context, roomID, bucket string, g grid.Grid, summary settle.RoundSummary) error {
	gridJSON, err := json.Marshal(g)
	if err != nil {
		return err
	}
	sumJSON, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO boards(room_id,bucket,digest,grid_json,recorded_at) VALUES(?,?,?,?,?)`,
		roomID, bucket, g.Digest(), string(gridJSON), time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO summaries(room_id,bucket,seed,summary_json) VALUES(?,?,?,?)`,
		roomID, bucket, summary.Seed, string(sumJSON),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Board returns the board settled at the end of bucket; ok is false when the
// bucket has not been settled.
func (s *Store) Board(ctx context.Context, roomID, bucket string) (g grid.Grid, ok bool, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT grid_json FROM boards WHERE room_id=? AND bucket=?`, roomID, bucket).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return grid.Grid{}, false, nil
	}
	if err != nil {
		return grid.Grid{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return grid.Grid{}, false, fmt.Errorf("board %s/%s: %w", roomID, bucket, err)
	}
	return g, true, nil
}

// Settled is the newest settlement recorded for a room.
type Settled struct {
	Bucket      string
	Grid        grid.Grid
	Summary     settle.RoundSummary
	Settlements int
}

// LatestSettlement returns the room's newest stored board with its summary
// and the number of settled hours; ok is false before the first settlement.
func (s *Store) LatestSettlement(ctx context.Context, roomID string) (out Settled, ok bool, err error) {
	var gridJSON string
	var sumJSON sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT b.bucket, b.grid_json, s.summary_json FROM boards b
		 LEFT JOIN summaries s ON s.room_id=b.room_id AND s.bucket=b.bucket
		 WHERE b.room_id=? ORDER BY b.bucket DESC LIMIT 1`, roomID,
	).Scan(&out.Bucket, &gridJSON, &sumJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Settled{}, false, nil
	}
	if err != nil {
		return Settled{}, false, err
	}
	if err := json.Unmarshal([]byte(gridJSON), &out.Grid); err != nil {
		return Settled{}, false, fmt.Errorf("board %s/%s: %w", roomID, out.Bucket, err)
	}
	out.Summary = settle.EmptySummary(roomID, out.Bucket)
	if sumJSON.Valid {
		if err := json.Unmarshal([]byte(sumJSON.String), &out.Summary); err != nil {
			return Settled{}, false, fmt.Errorf("summary %s/%s: %w", roomID, out.Bucket, err)
		}
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM boards WHERE room_id=?`, roomID).Scan(&out.Settlements); err != nil {
		return Settled{}, false, err
	}
	return out, true, nil
}

func (s *Store) Summary(ctx context.Context, roomID, bucket string) (sum settle.RoundSummary, ok bool, err error) {
	var raw string
	err = s.db.QueryRowContext(ctx, `SELECT summary_json FROM summaries WHERE room_id=? AND bucket=?`, roomID, bucket).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return settle.RoundSummary{}, false, nil
	}
	if err != nil {
		return settle.RoundSummary{}, false, err
	}
	if err := json.Unmarshal([]byte(raw), &sum); err != nil {
		return settle.RoundSummary{}, false, fmt.Errorf("summary %s/%s: %w", roomID, bucket, err)
	}
	return sum, true, nil
}

// Summaries pages through a room's settled summaries in bucket order,
// starting strictly after since.
func (s *Store) Summaries(ctx context.Context, roomID, since string, limit int) ([]settle.RoundSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT summary_json FROM summaries WHERE room_id=? AND bucket>? ORDER BY bucket LIMIT ?`,
		roomID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []settle.RoundSummary
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var sum settle.RoundSummary
		if err := json.Unmarshal([]byte(raw), &sum); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *Store) Balance(ctx context.Context, roomID string, team grid.Team) (int64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE room_id=? AND team=?`, roomID, team.String()).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

func (s *Store) Credit(ctx context.Context, roomID string, team grid.Team, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit: negative amount %d", amount)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallets(room_id,team,balance) VALUES(?,?,?)
		 ON CONFLICT(room_id,team) DO UPDATE SET balance=balance+excluded.balance`,
		roomID, team.String(), amount); err != nil {
		return 0, err
	}
	var bal int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE room_id=? AND team=?`, roomID, team.String()).Scan(&bal); err != nil {
		return 0, err
	}
	return bal, tx.Commit()
}

// Debit matches room.MemWallet: an overdraft drains the balance to zero and
// reports room.ErrInsufficientFunds.
func (s *Store) Debit(ctx context.Context, roomID string, team grid.Team, amount int64) (int64, error) {
	if amount <= 0 {
		return s.Balance(ctx, roomID, team)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var bal int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE room_id=? AND team=?`, roomID, team.String()).Scan(&bal)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	next, short := bal-amount, false
	if next < 0 {
		next, short = 0, true
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallets(room_id,team,balance) VALUES(?,?,?)
		 ON CONFLICT(room_id,team) DO UPDATE SET balance=excluded.balance`,
		roomID, team.String(), next); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if short {
		return 0, fmt.Errorf("debit %s/%s %d: %w", roomID, team, amount, room.ErrInsufficientFunds)
	}
	return next, nil
}

// RecordSnapshot indexes a snapshot file. It never blocks the caller; rows
// are dropped if the writer falls behind.
func (s *Store) RecordSnapshot(roomID, bucket, path string, settlements int) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		RoomID:      roomID,
		Bucket:      bucket,
		Path:        path,
		Settlements: settlements,
		RecordedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- r:
	default:
	}
}

// LatestSnapshot returns the newest indexed snapshot path of a room.
func (s *Store) LatestSnapshot(ctx context.Context, roomID string) (path, bucket string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT path,bucket FROM snapshots WHERE room_id=? ORDER BY bucket DESC LIMIT 1`, roomID).Scan(&path, &bucket)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return path, bucket, true, nil
}

func (s *Store) loop() {
	ctx := context.Background()
	insert, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(room_id,bucket,path,settlements,recorded_at) VALUES(?,?,?,?,?)`)
	defer func() {
		if insert != nil {
			_ = insert.Close()
		}
	}()
	for r := range s.ch {
		if insert == nil {
			continue
		}
		_, _ = insert.ExecContext(ctx, r.RoomID, r.Bucket, r.Path, r.Settlements, r.RecordedAt)
	}
}

var _ room.Wallet = (*Store)(nil)
