package room

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/ledger"
	"gridclash.app/internal/sim/battle/settle"
)

var (
	ErrLocked      = errors.New("allocations locked until settlement")
	ErrNotBattle   = errors.New("room is not in battle phase")
	ErrStaleBucket = errors.New("hour bucket is not current")
	ErrBadTeam     = errors.New("team must be A or B")
	ErrRoomClosed  = errors.New("room closed")

	ErrWalletUnavailable = errors.New("wallet unavailable")
)

type Config struct {
	Budget   int
	Lock     time.Duration
	Layout   grid.Layout
	Pressure settle.PressureRule
}

// State is everything a room mutates. The room owns it exclusively.
type State struct {
	Grid    grid.Grid
	Ledgers map[grid.Team]*ledger.Ledger

	// OpenBucket is the bucket allocations currently target; LastSettled the
	// most recent bucket folded into Grid.
	OpenBucket  clock.HourBucket
	LastSettled clock.HourBucket
	LastSummary settle.RoundSummary
	Settlements int
}

func (s State) Clone() State {
	out := s
	out.Ledgers = map[grid.Team]*ledger.Ledger{}
	for t, l := range s.Ledgers {
		out.Ledgers[t] = l.Clone()
	}
	return out
}

// Settlement is one committed hour. Pre and Orders are kept so the hour can
// be replayed from the settlement log.
type Settlement struct {
	RoomID string
	Bucket clock.HourBucket
	Pre    grid.Grid
	Orders []settle.Order
	Result settle.Result
}

// OrderSource returns the allocations recorded for team in bucket.
type OrderSource func(bucket clock.HourBucket, team grid.Team) (map[int]int, error)

// Room is the single-threaded battle state machine. Every method takes the
// wall-clock instant explicitly so the room can be driven deterministically.
type Room struct {
	spec    Spec
	cfg     Config
	state   State
	tracker *clock.Tracker
	orders  OrderSource
}

func New(spec Spec, cfg Config, now time.Time) (*Room, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	st := State{
		Grid: grid.New(cfg.Layout),
		Ledgers: map[grid.Team]*ledger.Ledger{
			grid.TeamA: ledger.New(cfg.Budget),
			grid.TeamB: ledger.New(cfg.Budget),
		},
		OpenBucket:  clock.BucketOf(now),
		LastSummary: settle.EmptySummary(spec.ID, ""),
	}
	return Restore(spec, cfg, st)
}

// Restore resumes a room from persisted state. Hours that ended while the
// room was offline are settled by the next Step.
func Restore(spec Spec, cfg Config, st State) (*Room, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := st.Grid.Validate(); err != nil {
		return nil, fmt.Errorf("restore room %s: %w", spec.ID, err)
	}
	for _, t := range grid.Teams {
		if st.Ledgers[t] == nil {
			return nil, fmt.Errorf("restore room %s: %w: %s", spec.ID, settle.ErrMissingLedger, t)
		}
	}
	tr := &clock.Tracker{}
	tr.Reset(st.OpenBucket)
	return &Room{spec: spec, cfg: cfg, state: st.Clone(), tracker: tr}, nil
}

func (r *Room) ID() string     { return r.spec.ID }
func (r *Room) Spec() Spec     { return r.spec }
func (r *Room) Config() Config { return r.cfg }

func (r *Room) Phase(now time.Time) Phase { return r.spec.PhaseAt(now) }

// SetOrderSource makes settlement fill an empty team ledger from recorded
// allocations first. A room resumed after downtime relies on it.
func (r *Room) SetOrderSource(src OrderSource) { r.orders = src }

// SetFunds caps team's allocations at its spendable wallet balance until the
// next settlement.
func (r *Room) SetFunds(team grid.Team, funds int64) {
	l := r.state.Ledgers[team]
	if l == nil {
		return
	}
	if funds > math.MaxInt32 {
		funds = math.MaxInt32
	}
	l.Limit(int(funds))
}

func (r *Room) Lock(now time.Time) clock.State { return clock.StateAt(now, r.cfg.Lock) }

// Terminal rooms are read-only forever.
func (r *Room) Terminal(now time.Time) bool {
	return r.Phase(now) == Ended && !r.state.OpenBucket.Before(clock.BucketOf(r.spec.EndAt()))
}

func (r *Room) checkEditable(now time.Time, team grid.Team) error {
	if !team.Valid() {
		return ErrBadTeam
	}
	switch r.Phase(now) {
	case Ended:
		return ErrRoomClosed
	case Preparation:
		return ErrNotBattle
	}
	if clock.BucketOf(now) != r.state.OpenBucket {
		// A boundary passed that Step has not folded in yet.
		return ErrLocked
	}
	if r.Lock(now) != clock.Open {
		return ErrLocked
	}
	return nil
}

// SetAllocation is a local edit; the amount is clamped to the remaining
// budget and the stored value is returned.
func (r *Room) SetAllocation(now time.Time, team grid.Team, cell, amount int) (int, error) {
	if err := r.checkEditable(now, team); err != nil {
		return 0, err
	}
	return r.state.Ledgers[team].Set(cell, amount)
}

// ReplaceAllocations upserts a team's whole allocation map for bucket.
// Repeating the call with the same map leaves the room unchanged.
func (r *Room) ReplaceAllocations(now time.Time, bucket clock.HourBucket, team grid.Team, allocs map[int]int) (map[int]int, error) {
	if bucket != clock.BucketOf(now) {
		return nil, fmt.Errorf("%w: %s (current %s)", ErrStaleBucket, bucket, clock.BucketOf(now))
	}
	if err := r.checkEditable(now, team); err != nil {
		return nil, err
	}
	return r.state.Ledgers[team].Replace(allocs)
}

// Step folds every hour boundary crossed since the last call. Each crossed
// bucket settles at most once; buckets outside the battle window only roll
// the ledgers over.
func (r *Room) Step(now time.Time) ([]Settlement, error) {
	var out []Settlement
	for _, b := range r.tracker.Observe(now) {
		if !r.spec.SettlesAt(b.End()) {
			r.rollover(b)
			continue
		}
		s, err := r.settle(b)
		if err != nil {
			// Leave the rest of the backlog for the next Step.
			r.tracker.Reset(b)
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *Room) rollover(b clock.HourBucket) {
	for _, t := range grid.Teams {
		r.state.Ledgers[t].ClearAndReplenish(r.cfg.Budget)
	}
	r.state.OpenBucket = b.Next()
}

func (r *Room) settle(b clock.HourBucket) (Settlement, error) {
	if err := r.backfill(b); err != nil {
		return Settlement{}, err
	}
	pre := r.state.Grid
	orders := settle.OrdersFromLedgers(r.state.Ledgers)
	res, err := settle.Settle(settle.Input{
		RoomID:   r.spec.ID,
		Bucket:   b.String(),
		Seed:     settle.SeedFor(r.spec.ID, b.String()),
		Grid:     pre,
		Ledgers:  r.state.Ledgers,
		Budget:   r.cfg.Budget,
		Pressure: r.cfg.Pressure,
	})
	if err != nil {
		return Settlement{}, err
	}
	r.state.Grid = res.Grid
	r.state.Ledgers = res.Ledgers
	r.state.LastSettled = b
	r.state.LastSummary = res.Summary
	r.state.OpenBucket = b.Next()
	r.state.Settlements++
	return Settlement{RoomID: r.spec.ID, Bucket: b, Pre: pre, Orders: orders, Result: res}, nil
}

func (r *Room) backfill(b clock.HourBucket) error {
	if r.orders == nil {
		return nil
	}
	for _, t := range grid.Teams {
		l := r.state.Ledgers[t]
		if l.Total() > 0 {
			continue
		}
		allocs, err := r.orders(b, t)
		if err != nil {
			return fmt.Errorf("load allocations %s/%s: %w", b, t, err)
		}
		if len(allocs) == 0 {
			continue
		}
		if _, err := l.Replace(allocs); err != nil {
			return fmt.Errorf("load allocations %s/%s: %w", b, t, err)
		}
	}
	return nil
}

// Adopt overwrites the board with an authoritative result for bucket. Older
// results than what the room already holds are ignored.
func (r *Room) Adopt(bucket clock.HourBucket, g grid.Grid, summary settle.RoundSummary) bool {
	if r.state.LastSettled != "" && bucket.Before(r.state.LastSettled) {
		return false
	}
	if err := g.Validate(); err != nil {
		return false
	}
	r.state.Grid = g
	r.state.LastSettled = bucket
	r.state.LastSummary = summary
	if !bucket.Before(r.state.OpenBucket) {
		r.state.OpenBucket = bucket.Next()
		r.tracker.Reset(r.state.OpenBucket)
		for _, t := range grid.Teams {
			r.state.Ledgers[t].ClearAndReplenish(r.cfg.Budget)
		}
	}
	return true
}

func (r *Room) Grid() grid.Grid { return r.state.Grid }

func (r *Room) Board() []grid.CellView { return r.state.Grid.Snapshot() }

func (r *Room) Remaining(team grid.Team) int {
	if l := r.state.Ledgers[team]; l != nil {
		return l.Remaining()
	}
	return 0
}

func (r *Room) Pending(team grid.Team) map[int]int {
	if l := r.state.Ledgers[team]; l != nil {
		return l.Pending()
	}
	return nil
}

// Threats lists the pressure forecast the opponent of team holds on cells.
func (r *Room) Threats(team grid.Team) map[int]int {
	out := map[int]int{}
	for _, c := range r.state.Grid.Cells {
		if c.PressureBy == team.Opponent() && c.Pressure > 0 && c.Owner != c.PressureBy {
			out[c.Index] = c.Pressure
		}
	}
	return out
}

func (r *Room) OpenBucket() clock.HourBucket { return r.state.OpenBucket }

func (r *Room) LastSettled() clock.HourBucket { return r.state.LastSettled }

func (r *Room) LastSummary() settle.RoundSummary { return r.state.LastSummary }

func (r *Room) State() State { return r.state.Clone() }
