package settle

import (
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"

	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/ledger"
)

var ErrMissingLedger = errors.New("missing team ledger")

// Rand is the entropy source for the pressure roll. *rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
}

type PressureRule struct {
	MaxCells int
	Values   []int
}

// Order is one team's KE commitment to one cell.
type Order struct {
	Team   grid.Team `json:"team"`
	Cell   int       `json:"cell"`
	Amount int       `json:"amount"`
}

type Input struct {
	RoomID string
	Bucket string
	Seed   int64

	Grid    grid.Grid
	Ledgers map[grid.Team]*ledger.Ledger

	// Budget is the per-hour KE every ledger is replenished to.
	Budget   int
	Pressure PressureRule

	// Rand overrides the seeded source; tests use it to pin the roll.
	Rand Rand
}

type Result struct {
	Grid    grid.Grid
	Ledgers map[grid.Team]*ledger.Ledger
	Summary RoundSummary

	// BudgetAfterDebit is each team's budget after spend was debited and
	// refunds were returned, before the hourly replenish.
	BudgetAfterDebit map[grid.Team]int
}

// OrdersFromLedgers flattens pending allocations into team-then-cell order.
func OrdersFromLedgers(ledgers map[grid.Team]*ledger.Ledger) []Order {
	var out []Order
	for _, t := range grid.Teams {
		l := ledgers[t]
		if l == nil {
			continue
		}
		for _, c := range l.Cells() {
			out = append(out, Order{Team: t, Cell: c, Amount: l.Get(c)})
		}
	}
	return out
}

// Settle resolves one hour bucket. The inputs are never mutated; the caller
// commits Result or nothing.
func Settle(in Input) (Result, error) {
	if err := in.Grid.Validate(); err != nil {
		return Result{}, fmt.Errorf("settle %s: %w", in.Bucket, err)
	}
	for _, t := range grid.Teams {
		if in.Ledgers[t] == nil {
			return Result{}, fmt.Errorf("settle %s: %w: %s", in.Bucket, ErrMissingLedger, t)
		}
	}

	res := Resolve(in.Grid, OrdersFromLedgers(in.Ledgers))

	afterDebit := map[grid.Team]int{}
	for _, t := range grid.Teams {
		l := in.Ledgers[t]
		afterDebit[t] = l.Budget() - l.Total() + res.Refunded[t]
	}

	next := res.Grid
	r := in.Rand
	if r == nil {
		r = rand.New(rand.NewSource(in.Seed))
	}
	RollPressure(&next, in.Pressure, r)

	if err := next.Validate(); err != nil {
		return Result{}, fmt.Errorf("settle %s: post-check: %w", in.Bucket, err)
	}

	ledgers := map[grid.Team]*ledger.Ledger{}
	for _, t := range grid.Teams {
		ledgers[t] = ledger.New(in.Budget)
	}

	return Result{
		Grid:    next,
		Ledgers: ledgers,
		Summary: RoundSummary{
			RoomID:   in.RoomID,
			Bucket:   in.Bucket,
			Seed:     in.Seed,
			Spent:    res.Spent,
			Refunded: res.Refunded,
			Captures: res.Captures,
		},
		BudgetAfterDebit: afterDebit,
	}, nil
}

type Resolution struct {
	Grid     grid.Grid
	Spent    map[grid.Team]map[int]int
	Refunded map[grid.Team]int
	Captures []Capture
}

// Resolve runs partition, reinforcement, decay/pressure and attack
// resolution. Targets are classified once against g; orders may hold several
// entries for the same team and cell.
func Resolve(g grid.Grid, orders []Order) Resolution {
	res := Resolution{
		Spent:    map[grid.Team]map[int]int{grid.TeamA: {}, grid.TeamB: {}},
		Refunded: map[grid.Team]int{grid.TeamA: 0, grid.TeamB: 0},
	}
	pre := g

	var reinforce, attacks []Order
	for _, o := range orders {
		if !o.Team.Valid() || o.Amount <= 0 {
			continue
		}
		switch pre.Target(o.Cell, o.Team) {
		case grid.TargetOwn:
			reinforce = append(reinforce, o)
		case grid.TargetAttack:
			attacks = append(attacks, o)
		default:
			res.Refunded[o.Team] += o.Amount
		}
	}

	next := pre
	for _, o := range reinforce {
		c := &next.Cells[o.Cell]
		c.HPNow = minInt(c.HPMax, c.HPNow+o.Amount)
		res.Spent[o.Team][o.Cell] += o.Amount
	}

	for i := range next.Cells {
		c := &next.Cells[i]
		from := c.Owner
		c.HPNow = maxInt(0, c.HPNow-c.DecayPerHour)
		if c.PressureBy.Valid() && c.Owner != c.PressureBy {
			c.HPNow = maxInt(0, c.HPNow-c.Pressure)
		}
		if c.HPNow == 0 && c.Owner != grid.Neutral {
			c.Owner = grid.Neutral
			res.Captures = append(res.Captures, Capture{Cell: i, From: from, To: grid.Neutral, Cause: CauseDecay})
		}
		c.Pressure = 0
		c.PressureBy = grid.Neutral
	}

	sort.SliceStable(attacks, func(i, j int) bool {
		if attacks[i].Cell != attacks[j].Cell {
			return attacks[i].Cell < attacks[j].Cell
		}
		return attacks[i].Team < attacks[j].Team
	})
	for _, o := range attacks {
		c := &next.Cells[o.Cell]
		if c.Owner == o.Team {
			res.Refunded[o.Team] += o.Amount
			continue
		}
		from := c.Owner
		if o.Amount > c.HPNow {
			c.HPNow = minInt(c.HPMax, o.Amount-c.HPNow)
			c.Owner = o.Team
			res.Captures = append(res.Captures, Capture{Cell: o.Cell, From: from, To: o.Team, Cause: CauseAttack})
		} else {
			c.HPNow = maxInt(0, c.HPNow-o.Amount)
			if c.HPNow == 0 && c.Owner != grid.Neutral {
				c.Owner = grid.Neutral
				res.Captures = append(res.Captures, Capture{Cell: o.Cell, From: from, To: grid.Neutral, Cause: CauseAttack})
			}
		}
		res.Spent[o.Team][o.Cell] += o.Amount
	}

	res.Grid = next
	return res
}

// RollPressure clears every forecast and rolls up to MaxCells new ones per
// team over cells that team does not own. A cell carries at most one
// forecast; TeamA rolls first.
func RollPressure(g *grid.Grid, rule PressureRule, r Rand) {
	for i := range g.Cells {
		g.Cells[i].Pressure = 0
		g.Cells[i].PressureBy = grid.Neutral
	}
	if rule.MaxCells <= 0 || len(rule.Values) == 0 || r == nil {
		return
	}
	for _, t := range grid.Teams {
		var cand []int
		for i, c := range g.Cells {
			if c.Owner != t && c.PressureBy == grid.Neutral {
				cand = append(cand, i)
			}
		}
		n := minInt(rule.MaxCells, len(cand))
		for k := 0; k < n; k++ {
			j := k + r.Intn(len(cand)-k)
			cand[k], cand[j] = cand[j], cand[k]
			c := &g.Cells[cand[k]]
			c.Pressure = rule.Values[r.Intn(len(rule.Values))]
			c.PressureBy = t
		}
	}
}

// SeedFor derives the replayable pressure seed of one room's hour bucket.
func SeedFor(roomID, bucket string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(roomID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(bucket))
	return int64(h.Sum64() & (1<<63 - 1))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
