package protocol

import (
	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/settle"
)

func TeamKey(t grid.Team) string { return t.String() }

func CellsFromView(cells []grid.CellView) []CellMsg {
	out := make([]CellMsg, 0, len(cells))
	for _, c := range cells {
		out = append(out, CellMsg{Index: c.Index, Owner: c.Owner.String(), HPNow: c.HPNow, HPMax: c.HPMax})
	}
	return out
}

// CellsToView drops entries with an out-of-range index or an unknown owner.
func CellsToView(cells []CellMsg) []grid.CellView {
	out := make([]grid.CellView, 0, len(cells))
	for _, c := range cells {
		if !grid.InRange(c.Index) {
			continue
		}
		owner, err := grid.ParseTeam(c.Owner)
		if err != nil {
			continue
		}
		out = append(out, grid.CellView{Index: c.Index, Owner: owner, HPNow: c.HPNow, HPMax: c.HPMax})
	}
	return out
}

func SummaryFrom(s settle.RoundSummary) SummaryMsg {
	msg := SummaryMsg{
		Type:            TypeSummary,
		ProtocolVersion: Version,
		RoomID:          s.RoomID,
		Bucket:          s.Bucket,
		Seed:            s.Seed,
		Spent:           map[string]map[int]int{},
	}
	for _, t := range grid.Teams {
		m := map[int]int{}
		for cell, v := range s.Spent[t] {
			m[cell] = v
		}
		msg.Spent[TeamKey(t)] = m
	}
	if len(s.Refunded) > 0 {
		msg.Refunded = map[string]int{}
		for t, v := range s.Refunded {
			msg.Refunded[TeamKey(t)] = v
		}
	}
	for _, c := range s.Captures {
		msg.Captures = append(msg.Captures, CaptureMsg{
			Cell:  c.Cell,
			From:  c.From.String(),
			To:    c.To.String(),
			Cause: string(c.Cause),
		})
	}
	return msg
}

func TeamMap[V any](m map[grid.Team]V) map[string]V {
	out := make(map[string]V, len(m))
	for t, v := range m {
		out[TeamKey(t)] = v
	}
	return out
}
