package client

import (
	"fmt"
	"sync"

	"gridclash.app/internal/protocol"
	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/ledger"
	"gridclash.app/internal/sim/battle/room"
	"gridclash.app/internal/sim/battle/settle"
)

// Reconciler holds one player's local view of a room. Edits land in a local
// ledger immediately and Preview shows what the hour would do; server
// replies then overwrite that view. Replies for any bucket other than the
// current one are stale and dropped.
type Reconciler struct {
	mu sync.Mutex

	roomID string
	team   grid.Team
	cfg    room.Config

	bucket clock.HourBucket
	board  grid.Grid
	mine   *ledger.Ledger
	stale  int
}

func NewReconciler(roomID string, team grid.Team, cfg room.Config, board grid.Grid, bucket clock.HourBucket) (*Reconciler, error) {
	if !team.Valid() {
		return nil, fmt.Errorf("%w: %v", room.ErrBadTeam, team)
	}
	if err := board.Validate(); err != nil {
		return nil, err
	}
	return &Reconciler{
		roomID: roomID,
		team:   team,
		cfg:    cfg,
		bucket: bucket,
		board:  board,
		mine:   ledger.New(cfg.Budget),
	}, nil
}

func (r *Reconciler) Bucket() clock.HourBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bucket
}

func (r *Reconciler) Board() grid.Grid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.board
}

func (r *Reconciler) Set(cell, amount int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mine.Set(cell, amount)
}

func (r *Reconciler) Allocations() map[int]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mine.Pending()
}

func (r *Reconciler) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mine.Remaining()
}

// Stale counts replies discarded because the local bucket had moved on.
func (r *Reconciler) Stale() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stale
}

// Preview settles the local board against our pending allocations only.
// The opponent's orders are unknown here, so the result is a forecast.
func (r *Reconciler) Preview() (settle.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return settle.Settle(settle.Input{
		RoomID: r.roomID,
		Bucket: r.bucket.String(),
		Seed:   settle.SeedFor(r.roomID, r.bucket.String()),
		Grid:   r.board,
		Ledgers: map[grid.Team]*ledger.Ledger{
			r.team:            r.mine,
			r.team.Opponent(): ledger.New(r.cfg.Budget),
		},
		Budget:   r.cfg.Budget,
		Pressure: r.cfg.Pressure,
	})
}

// Advance moves the local clock to bucket. Pending edits belong to the old
// hour and are discarded.
func (r *Reconciler) Advance(bucket clock.HourBucket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.bucket.Before(bucket) {
		return
	}
	r.bucket = bucket
	r.mine.ClearAndReplenish(r.cfg.Budget)
}

// ApplySubmit adopts the server's clamped allocation map.
func (r *Reconciler) ApplySubmit(resp protocol.SubmitAllocationsResp) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if resp.Bucket != r.bucket.String() {
		r.stale++
		return false
	}
	if !resp.OK {
		return false
	}
	applied, err := ledger.Restore(r.cfg.Budget, resp.Applied)
	if err != nil {
		return false
	}
	r.mine = applied
	return true
}

// ApplyBoard overwrites the local board with a settled authoritative board
// for the current bucket and opens the next one.
func (r *Reconciler) ApplyBoard(b Board) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.Bucket != r.bucket.String() {
		r.stale++
		return false
	}
	if !b.Settled {
		return false
	}
	next, ok := Overlay(r.board, b.Cells)
	if !ok {
		return false
	}
	r.board = next
	r.bucket = r.bucket.Next()
	r.mine.ClearAndReplenish(r.cfg.Budget)
	return true
}

// Overlay copies owner and hit points from the authoritative cells onto g.
// A board with a missing, repeated or out-of-range index is rejected whole.
// Decay rates and threat forecasts are not on the wire and stay local; a
// forecast against a cell its own exerting team now holds is cleared.
func Overlay(g grid.Grid, cells []grid.CellView) (grid.Grid, bool) {
	if len(cells) != grid.Cells {
		return g, false
	}
	var seen [grid.Cells]bool
	for _, cv := range cells {
		if !grid.InRange(cv.Index) || seen[cv.Index] {
			return g, false
		}
		seen[cv.Index] = true
	}
	for _, cv := range cells {
		c := &g.Cells[cv.Index]
		c.Owner = cv.Owner
		c.HPNow = cv.HPNow
		c.HPMax = cv.HPMax
		if c.Pressure > 0 && c.PressureBy == c.Owner {
			c.Pressure = 0
			c.PressureBy = grid.Neutral
		}
	}
	if err := g.Validate(); err != nil {
		return g, false
	}
	return g, true
}
