package client

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/settle"
)

// DecodeRoundSummary accepts the summary shapes seen in the wild: numbers
// as ints, floats or numeric strings, and the whole object possibly wrapped
// in a JSON string. Entries that cannot be coerced are dropped; a payload
// that is not an object at all yields an empty summary.
func DecodeRoundSummary(b []byte) settle.RoundSummary {
	obj := unwrapObject(b)
	if obj == nil {
		return settle.EmptySummary("", "")
	}
	out := settle.EmptySummary(asString(obj["room_id"]), asString(obj["bucket"]))
	if seed, ok := asInt(obj["seed"]); ok {
		out.Seed = int64(seed)
	}

	if spent, ok := obj["spent"].(map[string]any); ok {
		for tk, v := range spent {
			team, err := grid.ParseTeam(tk)
			if err != nil || !team.Valid() {
				continue
			}
			cells, ok := v.(map[string]any)
			if !ok {
				continue
			}
			for ck, amt := range cells {
				cell, err := strconv.Atoi(strings.TrimSpace(ck))
				if err != nil || !grid.InRange(cell) {
					continue
				}
				n, ok := asInt(amt)
				if !ok || n <= 0 {
					continue
				}
				out.Spent[team][cell] = n
			}
		}
	}

	if refunded, ok := obj["refunded"].(map[string]any); ok {
		for tk, v := range refunded {
			team, err := grid.ParseTeam(tk)
			if err != nil || !team.Valid() {
				continue
			}
			if n, ok := asInt(v); ok && n > 0 {
				if out.Refunded == nil {
					out.Refunded = map[grid.Team]int{}
				}
				out.Refunded[team] = n
			}
		}
	}

	if caps, ok := obj["captures"].([]any); ok {
		for _, raw := range caps {
			m, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			cell, ok := asInt(m["cell"])
			if !ok || !grid.InRange(cell) {
				continue
			}
			from, err1 := grid.ParseTeam(asString(m["from"]))
			to, err2 := grid.ParseTeam(asString(m["to"]))
			if err1 != nil || err2 != nil {
				continue
			}
			out.Captures = append(out.Captures, settle.Capture{
				Cell:  cell,
				From:  from,
				To:    to,
				Cause: settle.Cause(asString(m["cause"])),
			})
		}
	}
	return out
}

func unwrapObject(b []byte) map[string]any {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	// Some gateways double-encode; unwrap a couple of layers at most.
	for i := 0; i < 2; i++ {
		s, ok := v.(string)
		if !ok {
			break
		}
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil
		}
	}
	obj, _ := v.(map[string]any)
	return obj
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return int(math.Round(x)), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return int(math.Round(f)), true
	}
	return 0, false
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
