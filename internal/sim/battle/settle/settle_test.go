package settle

import (
	"math/rand"
	"testing"

	"pgregory.net/rapid"

	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/ledger"
)

func baseGrid() grid.Grid {
	return grid.New(grid.Layout{HPMax: 400, DecayPerHour: 10, NeutralHP: 120, HomeHP: 300})
}

func ledgers(budget int, a, b map[int]int) map[grid.Team]*ledger.Ledger {
	la := ledger.New(budget)
	lb := ledger.New(budget)
	for c, v := range a {
		_, _ = la.Set(c, v)
	}
	for c, v := range b {
		_, _ = lb.Set(c, v)
	}
	return map[grid.Team]*ledger.Ledger{grid.TeamA: la, grid.TeamB: lb}
}

func run(t *testing.T, g grid.Grid, ls map[grid.Team]*ledger.Ledger) Result {
	t.Helper()
	res, err := Settle(Input{
		RoomID:  "R1",
		Bucket:  "2026-10-14T09Z",
		Grid:    g,
		Ledgers: ls,
		Budget:  1000,
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	return res
}

func TestSettle_AttackFailsAgainstDecayedNeutral(t *testing.T) {
	res := run(t, baseGrid(), ledgers(1000, map[int]int{1: 100}, nil))
	c := res.Grid.Cells[1]
	if c.Owner != grid.Neutral || c.HPNow != 10 {
		t.Fatalf("expected neutral hp=10, got owner=%s hp=%d", c.Owner, c.HPNow)
	}
	if res.Summary.Spent[grid.TeamA][1] != 100 {
		t.Fatalf("attack should count as spent: %v", res.Summary.Spent)
	}
}

func TestSettle_AttackCapturesWithOverflow(t *testing.T) {
	res := run(t, baseGrid(), ledgers(1000, map[int]int{1: 150}, nil))
	c := res.Grid.Cells[1]
	if c.Owner != grid.TeamA || c.HPNow != 40 {
		t.Fatalf("expected TeamA hp=40, got owner=%s hp=%d", c.Owner, c.HPNow)
	}
	if len(res.Summary.Captures) != 1 || res.Summary.Captures[0].To != grid.TeamA {
		t.Fatalf("expected one capture, got %+v", res.Summary.Captures)
	}
}

func TestSettle_OverflowIsCappedAtHPMax(t *testing.T) {
	res := run(t, baseGrid(), ledgers(1000, map[int]int{1: 1000}, nil))
	if c := res.Grid.Cells[1]; c.Owner != grid.TeamA || c.HPNow != 400 {
		t.Fatalf("expected capped hp 400, got %d", c.HPNow)
	}
}

func TestSettle_ReinforceCapsBeforeDecay(t *testing.T) {
	res := run(t, baseGrid(), ledgers(1000, map[int]int{0: 500}, nil))
	if c := res.Grid.Cells[0]; c.HPNow != 390 {
		t.Fatalf("expected min(400,800)-10=390, got %d", c.HPNow)
	}
}

func TestSettle_DecayToZeroNeutralizesBeforeAttack(t *testing.T) {
	g := baseGrid()
	g.Cells[1].Owner = grid.TeamB
	g.Cells[1].HPNow = 10
	res := run(t, g, ledgers(1000, map[int]int{1: 50}, nil))
	c := res.Grid.Cells[1]
	if c.Owner != grid.TeamA || c.HPNow != 50 {
		t.Fatalf("expected capture of neutral cell with hp 50, got owner=%s hp=%d", c.Owner, c.HPNow)
	}
	caps := res.Summary.Captures
	if len(caps) != 2 || caps[0].Cause != CauseDecay || caps[1].From != grid.Neutral {
		t.Fatalf("expected decay neutralisation then neutral capture, got %+v", caps)
	}
}

func TestSettle_PressureAppliesToNonPressuringOwner(t *testing.T) {
	g := baseGrid()
	g.Cells[0].Pressure = 60
	g.Cells[0].PressureBy = grid.TeamB
	g.Cells[15].Pressure = 60
	g.Cells[15].PressureBy = grid.TeamB
	res := run(t, g, ledgers(1000, nil, nil))
	if c := res.Grid.Cells[0]; c.HPNow != 300-10-60 {
		t.Fatalf("expected pressure on TeamA home, got %d", c.HPNow)
	}
	if c := res.Grid.Cells[15]; c.HPNow != 300-10 {
		t.Fatalf("team must not pressure its own cell, got %d", c.HPNow)
	}
}

func TestSettle_LockedTargetsAreRefunded(t *testing.T) {
	ls := ledgers(1000, map[int]int{1: 150, 2: 200, 5: 100}, nil)
	res := run(t, baseGrid(), ls)
	if res.Summary.Refunded[grid.TeamA] != 300 {
		t.Fatalf("expected 300 refunded, got %d", res.Summary.Refunded[grid.TeamA])
	}
	if res.BudgetAfterDebit[grid.TeamA] != 1000-150 {
		t.Fatalf("expected budget 850 after debit, got %d", res.BudgetAfterDebit[grid.TeamA])
	}
	if res.Grid.Cells[2].Owner != grid.Neutral {
		t.Fatalf("cell made adjacent this hour must not be captured")
	}
	if _, ok := res.Summary.Spent[grid.TeamA][2]; ok {
		t.Fatalf("refunded entries must not appear in spent")
	}
}

func TestResolve_SecondAttackOnFreshCaptureIsRefunded(t *testing.T) {
	res := Resolve(baseGrid(), []Order{
		{Team: grid.TeamA, Cell: 1, Amount: 150},
		{Team: grid.TeamA, Cell: 1, Amount: 50},
	})
	if res.Grid.Cells[1].Owner != grid.TeamA || res.Grid.Cells[1].HPNow != 40 {
		t.Fatalf("expected capture hp 40, got %+v", res.Grid.Cells[1])
	}
	if res.Refunded[grid.TeamA] != 50 || res.Spent[grid.TeamA][1] != 150 {
		t.Fatalf("expected 50 refunded and 150 spent, got refund=%d spent=%v", res.Refunded[grid.TeamA], res.Spent)
	}
}

func TestResolve_BothTeamsAttackSameCellSequentially(t *testing.T) {
	g := baseGrid()
	g.Cells[14].Owner = grid.TeamB
	g.Cells[14].HPNow = 200
	g.Cells[13].Owner = grid.TeamA
	g.Cells[13].HPNow = 200
	// cell 9 neighbours 13 (A) and 10/8/5; make B adjacent through 10.
	g.Cells[10].Owner = grid.TeamB
	g.Cells[10].HPNow = 200
	res := Resolve(g, []Order{
		{Team: grid.TeamB, Cell: 9, Amount: 300},
		{Team: grid.TeamA, Cell: 9, Amount: 150},
	})
	// decay: 110; A first: 150 > 110 -> A owns with 40; B: 300 > 40 -> B owns with 260.
	c := res.Grid.Cells[9]
	if c.Owner != grid.TeamB || c.HPNow != 260 {
		t.Fatalf("expected TeamB hp=260, got owner=%s hp=%d", c.Owner, c.HPNow)
	}
}

func TestSettle_EliminatedTeamReentersThroughCorner(t *testing.T) {
	g := baseGrid()
	g.Cells[0].Owner = grid.TeamB
	if !g.IsAttackable(3, grid.TeamA) || !g.IsAttackable(12, grid.TeamA) {
		t.Fatalf("eliminated team should see corners attackable")
	}
	res := run(t, g, ledgers(1000, map[int]int{3: 200, 2: 100}, nil))
	next := res.Grid
	if next.Cells[3].Owner != grid.TeamA {
		t.Fatalf("expected corner capture, got %s", next.Cells[3].Owner)
	}
	if res.Summary.Refunded[grid.TeamA] != 100 {
		t.Fatalf("non-corner target should be refunded while eliminated")
	}
	if next.IsAttackable(12, grid.TeamA) {
		t.Fatalf("after re-entry, far corners follow adjacency again")
	}
	if !next.IsAttackable(2, grid.TeamA) || !next.IsAttackable(7, grid.TeamA) {
		t.Fatalf("neighbours of the captured corner should be attackable")
	}
}

func TestSettle_DoesNotMutateInputs(t *testing.T) {
	g := baseGrid()
	before := g.Digest()
	ls := ledgers(1000, map[int]int{1: 150}, map[int]int{14: 400})
	_ = run(t, g, ls)
	if g.Digest() != before {
		t.Fatalf("input grid mutated")
	}
	if ls[grid.TeamA].Total() != 150 || ls[grid.TeamB].Total() != 400 {
		t.Fatalf("input ledgers mutated")
	}
}

func TestSettle_MissingLedger(t *testing.T) {
	_, err := Settle(Input{Grid: baseGrid(), Ledgers: map[grid.Team]*ledger.Ledger{grid.TeamA: ledger.New(1)}})
	if err == nil {
		t.Fatalf("expected missing ledger error")
	}
}

func TestRollPressure_SeededIsReproducible(t *testing.T) {
	rule := PressureRule{MaxCells: 2, Values: []int{20, 40, 60}}
	g1 := baseGrid()
	g2 := baseGrid()
	RollPressure(&g1, rule, rand.New(rand.NewSource(SeedFor("R1", "b"))))
	RollPressure(&g2, rule, rand.New(rand.NewSource(SeedFor("R1", "b"))))
	if g1.Digest() != g2.Digest() {
		t.Fatalf("same seed should roll the same pressure")
	}
	per := map[grid.Team]int{}
	for _, c := range g1.Cells {
		if c.PressureBy == grid.Neutral {
			continue
		}
		per[c.PressureBy]++
		if c.Owner == c.PressureBy {
			t.Fatalf("team pressured its own cell %d", c.Index)
		}
		if c.Pressure != 20 && c.Pressure != 40 && c.Pressure != 60 {
			t.Fatalf("unexpected pressure value %d", c.Pressure)
		}
	}
	if per[grid.TeamA] != 2 || per[grid.TeamB] != 2 {
		t.Fatalf("expected two forecasts per team, got %v", per)
	}
	if SeedFor("R1", "a") == SeedFor("R1", "b") {
		t.Fatalf("seed should depend on bucket")
	}
}

func drawGrid(t *rapid.T) grid.Grid {
	var g grid.Grid
	for i := range g.Cells {
		owner := grid.Team(rapid.IntRange(0, 2).Draw(t, "owner"))
		lo := 0
		if owner != grid.Neutral {
			lo = 1
		}
		by := grid.Team(rapid.IntRange(0, 2).Draw(t, "pressure_by"))
		p := 0
		if by != grid.Neutral {
			p = rapid.IntRange(0, 120).Draw(t, "pressure")
		}
		g.Cells[i] = grid.Cell{
			Index:        i,
			Owner:        owner,
			HPMax:        400,
			HPNow:        rapid.IntRange(lo, 400).Draw(t, "hp"),
			DecayPerHour: rapid.IntRange(0, 60).Draw(t, "decay"),
			Pressure:     p,
			PressureBy:   by,
		}
	}
	return g
}

func drawAllocs(t *rapid.T, label string) map[int]int {
	out := map[int]int{}
	n := rapid.IntRange(0, 8).Draw(t, label+"_n")
	for i := 0; i < n; i++ {
		out[rapid.IntRange(0, 15).Draw(t, label+"_cell")] = rapid.IntRange(0, 600).Draw(t, label+"_amt")
	}
	return out
}

func TestSettle_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := drawGrid(t)
		ls := ledgers(1000, drawAllocs(t, "a"), drawAllocs(t, "b"))
		pre := map[grid.Team]int{grid.TeamA: ls[grid.TeamA].Total(), grid.TeamB: ls[grid.TeamB].Total()}

		res, err := Settle(Input{
			RoomID:   "R",
			Bucket:   "B",
			Seed:     rapid.Int64().Draw(t, "seed"),
			Grid:     g,
			Ledgers:  ls,
			Budget:   1000,
			Pressure: PressureRule{MaxCells: 3, Values: []int{20, 40, 60}},
		})
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}
		for _, c := range res.Grid.Cells {
			if c.HPNow < 0 || c.HPNow > c.HPMax {
				t.Fatalf("cell %d hp %d out of bounds", c.Index, c.HPNow)
			}
			if c.HPNow == 0 && c.Owner != grid.Neutral {
				t.Fatalf("cell %d owned at zero hp", c.Index)
			}
		}
		for _, team := range grid.Teams {
			l := res.Ledgers[team]
			if l.Budget() != 1000 || l.Total() != 0 {
				t.Fatalf("ledger %s not replenished", team)
			}
			spent := res.Summary.SpentTotal(team)
			refunded := res.Summary.Refunded[team]
			if pre[team] != spent+refunded {
				t.Fatalf("conservation: pending=%d spent=%d refunded=%d", pre[team], spent, refunded)
			}
			if res.BudgetAfterDebit[team]-(1000-pre[team]) != refunded {
				t.Fatalf("refund credit mismatch for %s", team)
			}
		}
	})
}

func TestSettle_AdjacencyEvaluatedOnceProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := drawGrid(t)
		ls := ledgers(1000, drawAllocs(t, "a"), drawAllocs(t, "b"))
		res, err := Settle(Input{Grid: g, Ledgers: ls, Budget: 1000})
		if err != nil {
			t.Fatalf("Settle: %v", err)
		}
		for _, team := range grid.Teams {
			for cell := range res.Summary.Spent[team] {
				if g.Target(cell, team) == grid.TargetLocked {
					t.Fatalf("team %s spent on cell %d that was locked before settlement", team, cell)
				}
			}
		}
	})
}
