package grid

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	Size  = 4
	Cells = Size * Size
)

type Team uint8

const (
	Neutral Team = iota
	TeamA
	TeamB
)

// Teams lists the playing teams in settlement order.
var Teams = [2]Team{TeamA, TeamB}

func (t Team) String() string {
	switch t {
	case TeamA:
		return "A"
	case TeamB:
		return "B"
	default:
		return "neutral"
	}
}

func (t Team) Valid() bool { return t == TeamA || t == TeamB }

func (t Team) Opponent() Team {
	switch t {
	case TeamA:
		return TeamB
	case TeamB:
		return TeamA
	default:
		return Neutral
	}
}

var ErrUnknownTeam = errors.New("unknown team")

func ParseTeam(s string) (Team, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A", "TEAM_A":
		return TeamA, nil
	case "B", "TEAM_B":
		return TeamB, nil
	case "NEUTRAL", "":
		return Neutral, nil
	}
	return Neutral, fmt.Errorf("%w: %q", ErrUnknownTeam, s)
}

func (t Team) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Team) UnmarshalText(b []byte) error {
	v, err := ParseTeam(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Cell is one grid position. Pressure is the threat forecast PressureBy will
// apply in the next settlement.
type Cell struct {
	Index        int  `json:"index"`
	Owner        Team `json:"owner"`
	HPNow        int  `json:"hp_now"`
	HPMax        int  `json:"hp_max"`
	DecayPerHour int  `json:"decay_per_hour"`
	Pressure     int  `json:"pressure,omitempty"`
	PressureBy   Team `json:"pressure_by,omitempty"`
}

// Grid is a value type; copying a Grid copies the whole board.
type Grid struct {
	Cells [Cells]Cell `json:"cells"`
}

type Layout struct {
	HPMax        int
	DecayPerHour int
	NeutralHP    int
	HomeHP       int
}

// New builds the opening board: TeamA holds the top-left corner, TeamB the
// bottom-right one, every other cell is neutral.
func New(l Layout) Grid {
	var g Grid
	for i := range g.Cells {
		g.Cells[i] = Cell{
			Index:        i,
			Owner:        Neutral,
			HPNow:        clamp(l.NeutralHP, 0, l.HPMax),
			HPMax:        l.HPMax,
			DecayPerHour: l.DecayPerHour,
		}
	}
	g.Cells[0].Owner = TeamA
	g.Cells[0].HPNow = clamp(l.HomeHP, 1, l.HPMax)
	g.Cells[Cells-1].Owner = TeamB
	g.Cells[Cells-1].HPNow = clamp(l.HomeHP, 1, l.HPMax)
	return g
}

func InRange(i int) bool { return i >= 0 && i < Cells }

func RowCol(i int) (row, col int) { return i / Size, i % Size }

// Neighbors returns the orthogonally adjacent cells of i in ascending order.
func Neighbors(i int) []int {
	if !InRange(i) {
		return nil
	}
	row, col := RowCol(i)
	out := make([]int, 0, 4)
	if row > 0 {
		out = append(out, i-Size)
	}
	if col > 0 {
		out = append(out, i-1)
	}
	if col < Size-1 {
		out = append(out, i+1)
	}
	if row < Size-1 {
		out = append(out, i+Size)
	}
	return out
}

func Corners() [4]int { return [4]int{0, Size - 1, Cells - Size, Cells - 1} }

func IsCorner(i int) bool {
	for _, c := range Corners() {
		if c == i {
			return true
		}
	}
	return false
}

func (g *Grid) OwnedCount(t Team) int {
	n := 0
	for _, c := range g.Cells {
		if c.Owner == t {
			n++
		}
	}
	return n
}

func (g *Grid) IsOwn(i int, t Team) bool {
	return InRange(i) && t.Valid() && g.Cells[i].Owner == t
}

// IsAttackable reports whether t may attack cell i. A team with no cells left
// may re-enter through any corner.
func (g *Grid) IsAttackable(i int, t Team) bool {
	if !InRange(i) || !t.Valid() || g.Cells[i].Owner == t {
		return false
	}
	if g.OwnedCount(t) == 0 {
		return IsCorner(i)
	}
	for _, n := range Neighbors(i) {
		if g.Cells[n].Owner == t {
			return true
		}
	}
	return false
}

type TargetKind uint8

const (
	TargetLocked TargetKind = iota
	TargetOwn
	TargetAttack
)

func (k TargetKind) String() string {
	switch k {
	case TargetOwn:
		return "own"
	case TargetAttack:
		return "attack"
	default:
		return "locked"
	}
}

func (g *Grid) Target(i int, t Team) TargetKind {
	switch {
	case g.IsOwn(i, t):
		return TargetOwn
	case g.IsAttackable(i, t):
		return TargetAttack
	default:
		return TargetLocked
	}
}

var ErrInvalidGrid = errors.New("invalid grid")

func (g *Grid) Validate() error {
	for i, c := range g.Cells {
		if c.Index != i {
			return fmt.Errorf("%w: cell %d has index %d", ErrInvalidGrid, i, c.Index)
		}
		if c.HPMax <= 0 {
			return fmt.Errorf("%w: cell %d hp_max=%d", ErrInvalidGrid, i, c.HPMax)
		}
		if c.HPNow < 0 || c.HPNow > c.HPMax {
			return fmt.Errorf("%w: cell %d hp_now=%d out of [0,%d]", ErrInvalidGrid, i, c.HPNow, c.HPMax)
		}
		if c.DecayPerHour < 0 || c.Pressure < 0 {
			return fmt.Errorf("%w: cell %d negative decay/pressure", ErrInvalidGrid, i)
		}
		if c.Owner > TeamB || c.PressureBy > TeamB {
			return fmt.Errorf("%w: cell %d unknown team", ErrInvalidGrid, i)
		}
		if c.HPNow == 0 && c.Owner != Neutral {
			return fmt.Errorf("%w: cell %d owned by %s with 0 hp", ErrInvalidGrid, i, c.Owner)
		}
	}
	return nil
}

// CellView is the read-only board entry handed to display collaborators.
type CellView struct {
	Index int  `json:"index"`
	Owner Team `json:"owner"`
	HPNow int  `json:"hp_now"`
	HPMax int  `json:"hp_max"`
}

func (g *Grid) Snapshot() []CellView {
	out := make([]CellView, Cells)
	for i, c := range g.Cells {
		out[i] = CellView{Index: i, Owner: c.Owner, HPNow: c.HPNow, HPMax: c.HPMax}
	}
	return out
}

// Digest hashes the full board state in index order.
func (g *Grid) Digest() string {
	h := sha256.New()
	var buf [8]byte
	put := func(v int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(v)))
		_, _ = h.Write(buf[:])
	}
	for _, c := range g.Cells {
		put(c.Index)
		put(int(c.Owner))
		put(c.HPNow)
		put(c.HPMax)
		put(c.DecayPerHour)
		put(c.Pressure)
		put(int(c.PressureBy))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
