package settle

import "gridclash.app/internal/sim/battle/grid"

type Cause string

const (
	CauseDecay  Cause = "DECAY"
	CauseAttack Cause = "ATTACK"
)

// Capture records an ownership change inside one settlement.
type Capture struct {
	Cell  int       `json:"cell"`
	From  grid.Team `json:"from"`
	To    grid.Team `json:"to"`
	Cause Cause     `json:"cause"`
}

// RoundSummary is informational only; it never feeds a later settlement.
// Spent holds reinforcements plus valid attacks, refunded entries excluded.
type RoundSummary struct {
	RoomID   string                    `json:"room_id"`
	Bucket   string                    `json:"bucket"`
	Seed     int64                     `json:"seed,omitempty"`
	Spent    map[grid.Team]map[int]int `json:"spent"`
	Refunded map[grid.Team]int         `json:"refunded,omitempty"`
	Captures []Capture                 `json:"captures,omitempty"`
}

func EmptySummary(roomID, bucket string) RoundSummary {
	return RoundSummary{
		RoomID: roomID,
		Bucket: bucket,
		Spent:  map[grid.Team]map[int]int{grid.TeamA: {}, grid.TeamB: {}},
	}
}

func (s RoundSummary) SpentTotal(t grid.Team) int {
	sum := 0
	for _, v := range s.Spent[t] {
		sum += v
	}
	return sum
}

func (s RoundSummary) IsEmpty() bool {
	for _, m := range s.Spent {
		if len(m) > 0 {
			return false
		}
	}
	return len(s.Captures) == 0
}
