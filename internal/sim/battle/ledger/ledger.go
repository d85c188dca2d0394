package ledger

import (
	"errors"
	"fmt"
	"sort"

	"gridclash.app/internal/sim/battle/grid"
)

var ErrCellOutOfRange = errors.New("cell out of range")

// Ledger is one team's KE budget for the current hour bucket. The sum of
// pending allocations never exceeds the budget, nor the funds limit when one
// is set.
type Ledger struct {
	budget  int
	limit   int // -1: no funds limit
	pending map[int]int
}

func New(budget int) *Ledger {
	if budget < 0 {
		budget = 0
	}
	return &Ledger{budget: budget, limit: -1, pending: map[int]int{}}
}

func (l *Ledger) Budget() int { return l.budget }

// Limit caps what may be allocated this hour at funds, the team's spendable
// balance. It only affects later edits; entries already pending stay.
func (l *Ledger) Limit(funds int) {
	if funds < 0 {
		funds = 0
	}
	l.limit = funds
}

// Cap is the most the team can have pending: the budget, lowered to the
// funds limit when one is set.
func (l *Ledger) Cap() int {
	if l.limit >= 0 && l.limit < l.budget {
		return l.limit
	}
	return l.budget
}

func (l *Ledger) Total() int {
	sum := 0
	for _, v := range l.pending {
		sum += v
	}
	return sum
}

func (l *Ledger) Remaining() int {
	r := l.Cap() - l.Total()
	if r < 0 {
		return 0
	}
	return r
}

// Set clamps amount to what the budget still allows for cell and returns the
// stored value. Zero removes the entry.
func (l *Ledger) Set(cell, amount int) (int, error) {
	if !grid.InRange(cell) {
		return 0, fmt.Errorf("%w: %d", ErrCellOutOfRange, cell)
	}
	avail := l.Cap() - (l.Total() - l.pending[cell])
	if avail < 0 {
		avail = 0
	}
	if amount > avail {
		amount = avail
	}
	if amount <= 0 {
		delete(l.pending, cell)
		return 0, nil
	}
	l.pending[cell] = amount
	return amount, nil
}

func (l *Ledger) Get(cell int) int { return l.pending[cell] }

func (l *Ledger) Pending() map[int]int {
	out := make(map[int]int, len(l.pending))
	for k, v := range l.pending {
		out[k] = v
	}
	return out
}

func (l *Ledger) Cells() []int {
	out := make([]int, 0, len(l.pending))
	for k := range l.pending {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// Replace drops every pending entry and applies allocs in ascending cell
// order with the usual clamping. It returns what was actually stored.
func (l *Ledger) Replace(allocs map[int]int) (map[int]int, error) {
	cells := make([]int, 0, len(allocs))
	for c := range allocs {
		if !grid.InRange(c) {
			return nil, fmt.Errorf("%w: %d", ErrCellOutOfRange, c)
		}
		cells = append(cells, c)
	}
	sort.Ints(cells)
	l.pending = map[int]int{}
	for _, c := range cells {
		if _, err := l.Set(c, allocs[c]); err != nil {
			return nil, err
		}
	}
	return l.Pending(), nil
}

// ClearAndReplenish empties the pending map, resets the budget and drops the
// funds limit. Unspent KE does not roll over.
func (l *Ledger) ClearAndReplenish(budget int) {
	if budget < 0 {
		budget = 0
	}
	l.budget = budget
	l.limit = -1
	l.pending = map[int]int{}
}

func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	return &Ledger{budget: l.budget, limit: l.limit, pending: l.Pending()}
}

// Restore rebuilds a ledger from persisted fields, reclamping if needed.
func Restore(budget int, pending map[int]int) (*Ledger, error) {
	l := New(budget)
	if _, err := l.Replace(pending); err != nil {
		return nil, err
	}
	return l, nil
}
