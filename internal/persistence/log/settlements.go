package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/ledger"
	"gridclash.app/internal/sim/battle/room"
	"gridclash.app/internal/sim/battle/settle"
)

var ErrDigestMismatch = errors.New("settlement digest mismatch")

// SettlementEntry carries everything needed to re-run one settlement: the
// pre-settlement board, the orders and the rules in force.
type SettlementEntry struct {
	RoomID     string              `json:"room_id"`
	Bucket     string              `json:"bucket"`
	Seed       int64               `json:"seed"`
	Budget     int                 `json:"budget"`
	MaxCells   int                 `json:"pressure_max_cells"`
	Values     []int               `json:"pressure_values,omitempty"`
	Pre        grid.Grid           `json:"pre"`
	Orders     []settle.Order      `json:"orders"`
	PreDigest  string              `json:"pre_digest"`
	PostDigest string              `json:"post_digest"`
	Summary    settle.RoundSummary `json:"summary"`
}

type SettlementLogger struct{ w *JSONLZstdWriter }

func NewSettlementLogger(dir string) *SettlementLogger {
	return &SettlementLogger{w: NewJSONLZstdWriter(dir, "settlements")}
}

// WriteSettlement files the entry under its bucket hour, so a replay finds
// an hour's settlements in one file regardless of when they were written.
func (l *SettlementLogger) WriteSettlement(e SettlementEntry) error {
	b := clock.HourBucket(e.Bucket)
	at := b.Start()
	if at.IsZero() {
		return fmt.Errorf("settlement log: bad bucket %q", e.Bucket)
	}
	return l.w.WriteAt(at, e)
}

func (l *SettlementLogger) Close() error { return l.w.Close() }

// ReadSettlements decodes every entry of one log file in write order.
func ReadSettlements(path string) ([]SettlementEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []SettlementEntry
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e SettlementEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// Files lists the settlement logs in dir, oldest hour first.
func Files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "settlements-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func EntryFrom(s room.Settlement, cfg room.Config) SettlementEntry {
	pre := s.Pre
	post := s.Result.Grid
	return SettlementEntry{
		RoomID:     s.RoomID,
		Bucket:     s.Bucket.String(),
		Seed:       s.Result.Summary.Seed,
		Budget:     cfg.Budget,
		MaxCells:   cfg.Pressure.MaxCells,
		Values:     append([]int(nil), cfg.Pressure.Values...),
		Pre:        pre,
		Orders:     s.Orders,
		PreDigest:  pre.Digest(),
		PostDigest: post.Digest(),
		Summary:    s.Result.Summary,
	}
}

// Input rebuilds the settlement input recorded by e.
func (e SettlementEntry) Input() (settle.Input, error) {
	pending := map[grid.Team]map[int]int{grid.TeamA: {}, grid.TeamB: {}}
	for _, o := range e.Orders {
		if !o.Team.Valid() {
			return settle.Input{}, fmt.Errorf("settlement %s/%s: order for %s", e.RoomID, e.Bucket, o.Team)
		}
		pending[o.Team][o.Cell] += o.Amount
	}
	ledgers := map[grid.Team]*ledger.Ledger{}
	for _, t := range grid.Teams {
		l, err := ledger.Restore(e.Budget, pending[t])
		if err != nil {
			return settle.Input{}, fmt.Errorf("settlement %s/%s: %w", e.RoomID, e.Bucket, err)
		}
		ledgers[t] = l
	}
	return settle.Input{
		RoomID:   e.RoomID,
		Bucket:   e.Bucket,
		Seed:     e.Seed,
		Grid:     e.Pre,
		Ledgers:  ledgers,
		Budget:   e.Budget,
		Pressure: settle.PressureRule{MaxCells: e.MaxCells, Values: e.Values},
	}, nil
}

// Verify re-runs e and reports a mismatch between the recorded and the
// recomputed post-settlement board.
func (e SettlementEntry) Verify() (settle.Result, error) {
	in, err := e.Input()
	if err != nil {
		return settle.Result{}, err
	}
	if got := in.Grid.Digest(); got != e.PreDigest {
		return settle.Result{}, fmt.Errorf("settlement %s/%s: pre digest %s want %s", e.RoomID, e.Bucket, got, e.PreDigest)
	}
	res, err := settle.Settle(in)
	if err != nil {
		return res, err
	}
	if got := res.Grid.Digest(); got != e.PostDigest {
		return res, fmt.Errorf("%w: %s/%s post digest %s want %s", ErrDigestMismatch, e.RoomID, e.Bucket, got, e.PostDigest)
	}
	return res, nil
}
