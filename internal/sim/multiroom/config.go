package multiroom

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"gridclash.app/internal/sim/battle/room"
)

// Config lists rooms provisioned at startup. Rooms created over the API are
// not written back here.
type Config struct {
	Rooms []RoomSpec `yaml:"rooms"`
}

type RoomSpec struct {
	ID            string `yaml:"id"`
	CreatorID     string `yaml:"creator_id"`
	InviteeID     string `yaml:"invitee_id"`
	StartAt       string `yaml:"start_at"`
	DurationHours int    `yaml:"duration_hours"`
}

func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("rooms.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("rooms.yaml: %w", err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Rooms {
		r := &c.Rooms[i]
		r.ID = strings.TrimSpace(r.ID)
		r.CreatorID = strings.TrimSpace(r.CreatorID)
		r.InviteeID = strings.TrimSpace(r.InviteeID)
		r.StartAt = strings.TrimSpace(r.StartAt)
	}
	sort.SliceStable(c.Rooms, func(i, j int) bool { return c.Rooms[i].ID < c.Rooms[j].ID })
}

func (c Config) Validate() error {
	seen := map[string]bool{}
	for i, r := range c.Rooms {
		if r.ID == "" {
			return fmt.Errorf("rooms[%d] id must not be empty", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate room id: %s", r.ID)
		}
		seen[r.ID] = true
		if r.CreatorID == "" || r.InviteeID == "" {
			return fmt.Errorf("room %s missing creator_id/invitee_id", r.ID)
		}
		if r.StartAt != "" {
			if _, err := time.Parse(time.RFC3339, r.StartAt); err != nil {
				return fmt.Errorf("room %s start_at: %w", r.ID, err)
			}
		}
		if r.DurationHours < 0 {
			return fmt.Errorf("room %s duration_hours must be >= 0", r.ID)
		}
	}
	return nil
}

// ToSpec fills in unset fields: a missing start means now, a zero duration
// means def.
func (r RoomSpec) ToSpec(now time.Time, def time.Duration) (room.Spec, error) {
	start := now
	if r.StartAt != "" {
		t, err := time.Parse(time.RFC3339, r.StartAt)
		if err != nil {
			return room.Spec{}, err
		}
		start = t
	}
	d := def
	if r.DurationHours > 0 {
		d = time.Duration(r.DurationHours) * time.Hour
	}
	created := now
	if start.Before(created) {
		created = start
	}
	s := room.Spec{
		ID:        r.ID,
		CreatorID: r.CreatorID,
		InviteeID: r.InviteeID,
		CreatedAt: created,
		StartAt:   start,
		Duration:  d,
	}
	return s, s.Validate()
}
