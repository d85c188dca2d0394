package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"gridclash.app/internal/sim/battle/grid"
)

type metrics struct {
	mu      sync.Mutex
	submits map[string]uint64
}

func newMetrics() *metrics { return &metrics{submits: map[string]uint64{}} }

// submit counts one allocation request; an empty code means accepted.
func (m *metrics) submit(code string) {
	if code == "" {
		code = "OK"
	}
	m.mu.Lock()
	m.submits[code]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.submits))
	for k, v := range m.submits {
		out[k] = v
	}
	return out
}

func (s *Server) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	// Minimal Prometheus exposition format.
	specs := s.mgr.Rooms()
	fmt.Fprintf(rw, "# HELP gridclash_rooms Registered rooms.\n")
	fmt.Fprintf(rw, "# TYPE gridclash_rooms gauge\n")
	fmt.Fprintf(rw, "gridclash_rooms %d\n", len(specs))
	for _, spec := range specs {
		rt, ok := s.mgr.Get(spec.ID)
		if !ok {
			continue
		}
		v := rt.View()
		terminal := 0
		if v.Terminal {
			terminal = 1
		}
		fmt.Fprintf(rw, "gridclash_room_settlements_total{room=%q} %d\n", spec.ID, v.Settlements)
		fmt.Fprintf(rw, "gridclash_room_terminal{room=%q} %d\n", spec.ID, terminal)
		fmt.Fprintf(rw, "gridclash_room_seconds_remaining{room=%q} %d\n", spec.ID, v.SecondsRemaining)
		owned := map[grid.Team]int{}
		for _, c := range v.Board {
			owned[c.Owner]++
		}
		for _, t := range grid.Teams {
			fmt.Fprintf(rw, "gridclash_room_remaining_ke{room=%q,team=%q} %d\n", spec.ID, t, v.Remaining[t])
			fmt.Fprintf(rw, "gridclash_room_owned_cells{room=%q,team=%q} %d\n", spec.ID, t, owned[t])
		}
	}
	counts := s.metrics.snapshot()
	codes := make([]string, 0, len(counts))
	for c := range counts {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	for _, c := range codes {
		fmt.Fprintf(rw, "gridclash_submit_total{code=%q} %d\n", c, counts[c])
	}
	for _, fn := range s.exporter {
		fn(rw)
	}
}
