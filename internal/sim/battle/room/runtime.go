package room

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/settle"
)

type Hooks struct {
	// OnSettled runs on the room goroutine after each committed hour, with
	// the state as of that commit.
	OnSettled func(s Settlement, st State)
	// Wallet caps each team's allocations at its balance and is debited
	// with what each settlement spent.
	Wallet Wallet
	// Orders reads recorded allocations; settlement uses it to refill
	// ledgers that were lost while the room was offline.
	Orders func(ctx context.Context, roomID, bucket string, team grid.Team) (map[int]int, error)
	Logger *log.Logger
}

// View is the read model published after every step. Readers never touch
// room state directly.
type View struct {
	RoomID           string                    `json:"room_id"`
	Phase            string                    `json:"phase"`
	Lock             string                    `json:"lock"`
	Bucket           clock.HourBucket          `json:"bucket"`
	SecondsRemaining int                       `json:"seconds_remaining"`
	Board            []grid.CellView           `json:"board"`
	Remaining        map[grid.Team]int         `json:"remaining"`
	Threats          map[grid.Team]map[int]int `json:"threats"`
	LastSettled      clock.HourBucket          `json:"last_settled,omitempty"`
	LastSummary      settle.RoundSummary       `json:"last_summary"`
	Settlements      int                       `json:"settlements"`
	Terminal         bool                      `json:"terminal"`
}

type setReq struct {
	Team   grid.Team
	Cell   int
	Amount int
	Resp   chan setResp
}

type setResp struct {
	Stored int
	Err    error
}

type replaceReq struct {
	Bucket clock.HourBucket
	Team   grid.Team
	Allocs map[int]int
	Resp   chan replaceResp
}

type replaceResp struct {
	Applied   map[int]int
	Remaining int
	Err       error
}

type stateReq struct {
	Resp chan State
}

// Runtime drives one Room from its own goroutine. All mutation happens
// inside Run; other goroutines talk to it through request channels.
type Runtime struct {
	room    *Room
	clk     clock.Clock
	hooks   Hooks
	refresh time.Duration

	set     chan setReq
	replace chan replaceReq
	state   chan stateReq
	stop    chan struct{}
	done    chan struct{}

	view atomic.Value // View
}

func NewRuntime(r *Room, clk clock.Clock, refresh time.Duration, hooks Hooks) *Runtime {
	if clk == nil {
		clk = clock.System{}
	}
	if refresh <= 0 {
		refresh = time.Second
	}
	rt := &Runtime{
		room:    r,
		clk:     clk,
		hooks:   hooks,
		refresh: refresh,
		set:     make(chan setReq, 64),
		replace: make(chan replaceReq, 64),
		state:   make(chan stateReq, 8),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if hooks.Orders != nil {
		r.SetOrderSource(func(b clock.HourBucket, t grid.Team) (map[int]int, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return hooks.Orders(ctx, r.ID(), b.String(), t)
		})
	}
	rt.publish(clk.Now(), false)
	return rt
}

func (rt *Runtime) ID() string { return rt.room.ID() }

func (rt *Runtime) Spec() Spec { return rt.room.Spec() }

func (rt *Runtime) Run(ctx context.Context) error {
	defer close(rt.done)
	ticker := time.NewTicker(rt.refresh)
	defer ticker.Stop()

	// Catch up on hours that ended while the room was offline.
	rt.StepOnce()
	for _, t := range grid.Teams {
		if err := rt.refreshFunds(t); err != nil {
			rt.logf("room %s: %v", rt.room.ID(), err)
		}
	}
	rt.publish(rt.clk.Now(), false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rt.stop:
			return nil
		case req := <-rt.set:
			rt.StepOnce()
			var stored int
			err := rt.refreshFunds(req.Team)
			if err == nil {
				stored, err = rt.room.SetAllocation(rt.clk.Now(), req.Team, req.Cell, req.Amount)
			}
			rt.publish(rt.clk.Now(), false)
			req.Resp <- setResp{Stored: stored, Err: err}
		case req := <-rt.replace:
			rt.StepOnce()
			var applied map[int]int
			err := rt.refreshFunds(req.Team)
			if err == nil {
				applied, err = rt.room.ReplaceAllocations(rt.clk.Now(), req.Bucket, req.Team, req.Allocs)
			}
			rt.publish(rt.clk.Now(), false)
			req.Resp <- replaceResp{Applied: applied, Remaining: rt.room.Remaining(req.Team), Err: err}
		case req := <-rt.state:
			req.Resp <- rt.room.State()
		case <-ticker.C:
			rt.StepOnce()
		}
	}
}

func (rt *Runtime) Stop() {
	select {
	case <-rt.stop:
	default:
		close(rt.stop)
	}
}

// Done is closed once Run has returned.
func (rt *Runtime) Done() <-chan struct{} { return rt.done }

// StepOnce settles any crossed buckets and republishes the view. Only the
// Run goroutine (or a test that never started Run) may call it.
func (rt *Runtime) StepOnce() {
	now := rt.clk.Now()
	settled, err := rt.room.Step(now)
	for _, s := range settled {
		rt.afterSettle(s)
	}
	if err != nil {
		rt.logf("room %s: settle failed: %v", rt.room.ID(), err)
	}
	rt.publish(now, len(settled) > 0)
}

// refreshFunds reloads team's wallet balance as its allocation cap. Without
// a readable balance no edit is accepted.
func (rt *Runtime) refreshFunds(team grid.Team) error {
	if rt.hooks.Wallet == nil || !team.Valid() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bal, err := rt.hooks.Wallet.Balance(ctx, rt.room.ID(), team)
	if err != nil {
		return fmt.Errorf("%w: balance %s: %v", ErrWalletUnavailable, team, err)
	}
	rt.room.SetFunds(team, bal)
	return nil
}

func (rt *Runtime) afterSettle(s Settlement) {
	sum := s.Result.Summary
	rt.logf("room %s: settled %s spent A=%d B=%d captures=%d", s.RoomID, s.Bucket,
		sum.SpentTotal(grid.TeamA), sum.SpentTotal(grid.TeamB), len(sum.Captures))
	if rt.hooks.Wallet != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		for _, t := range grid.Teams {
			amt := int64(sum.SpentTotal(t))
			if amt == 0 {
				continue
			}
			if _, err := rt.hooks.Wallet.Debit(ctx, s.RoomID, t, amt); err != nil {
				rt.logf("room %s: debit %s %d: %v", s.RoomID, t, amt, err)
			}
		}
		cancel()
		for _, t := range grid.Teams {
			if err := rt.refreshFunds(t); err != nil {
				rt.logf("room %s: %v", s.RoomID, err)
			}
		}
	}
	if rt.hooks.OnSettled != nil {
		rt.hooks.OnSettled(s, rt.room.State())
	}
}

func (rt *Runtime) publish(now time.Time, settled bool) {
	r := rt.room
	rt.view.Store(View{
		RoomID:           r.ID(),
		Phase:            r.Phase(now).String(),
		Lock:             clock.StepStateAt(now, r.Config().Lock, settled).String(),
		Bucket:           r.OpenBucket(),
		SecondsRemaining: clock.SecondsRemaining(now),
		Board:            r.Board(),
		Remaining:        map[grid.Team]int{grid.TeamA: r.Remaining(grid.TeamA), grid.TeamB: r.Remaining(grid.TeamB)},
		Threats:          map[grid.Team]map[int]int{grid.TeamA: r.Threats(grid.TeamA), grid.TeamB: r.Threats(grid.TeamB)},
		LastSettled:      r.LastSettled(),
		LastSummary:      r.LastSummary(),
		Settlements:      r.state.Settlements,
		Terminal:         r.Terminal(now),
	})
}

func (rt *Runtime) View() View {
	v, _ := rt.view.Load().(View)
	return v
}

func (rt *Runtime) SetAllocation(ctx context.Context, team grid.Team, cell, amount int) (int, error) {
	if rt.closed() {
		return 0, ErrRoomClosed
	}
	resp := make(chan setResp, 1)
	select {
	case rt.set <- setReq{Team: team, Cell: cell, Amount: amount, Resp: resp}:
	case <-rt.done:
		return 0, ErrRoomClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.Stored, r.Err
	case <-rt.done:
		// Run may have answered just before returning.
		select {
		case r := <-resp:
			return r.Stored, r.Err
		default:
			return 0, ErrRoomClosed
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// ReplaceAllocations upserts team's allocations for bucket and returns what
// was stored along with the team's remaining KE.
func (rt *Runtime) ReplaceAllocations(ctx context.Context, bucket clock.HourBucket, team grid.Team, allocs map[int]int) (map[int]int, int, error) {
	if rt.closed() {
		return nil, 0, ErrRoomClosed
	}
	resp := make(chan replaceResp, 1)
	select {
	case rt.replace <- replaceReq{Bucket: bucket, Team: team, Allocs: allocs, Resp: resp}:
	case <-rt.done:
		return nil, 0, ErrRoomClosed
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	select {
	case r := <-resp:
		return r.Applied, r.Remaining, r.Err
	case <-rt.done:
		select {
		case r := <-resp:
			return r.Applied, r.Remaining, r.Err
		default:
			return nil, 0, ErrRoomClosed
		}
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// State returns a copy of the room state taken on the room goroutine.
func (rt *Runtime) State(ctx context.Context) (State, error) {
	if rt.closed() {
		return State{}, ErrRoomClosed
	}
	resp := make(chan State, 1)
	select {
	case rt.state <- stateReq{Resp: resp}:
	case <-rt.done:
		return State{}, ErrRoomClosed
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
	select {
	case st := <-resp:
		return st, nil
	case <-rt.done:
		select {
		case st := <-resp:
			return st, nil
		default:
			return State{}, ErrRoomClosed
		}
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

func (rt *Runtime) closed() bool {
	select {
	case <-rt.done:
		return true
	default:
		return false
	}
}

func (rt *Runtime) logf(format string, args ...any) {
	if rt.hooks.Logger != nil {
		rt.hooks.Logger.Printf(format, args...)
	}
}
