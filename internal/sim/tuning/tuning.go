package tuning

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/room"
	"gridclash.app/internal/sim/battle/settle"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	Grid     GridTuning     `yaml:"grid"`
	Energy   EnergyTuning   `yaml:"energy"`
	Pressure PressureTuning `yaml:"pressure"`
	Clock    ClockTuning    `yaml:"clock"`
	Battle   BattleTuning   `yaml:"battle"`
	Submit   SubmitTuning   `yaml:"submit"`
}

type GridTuning struct {
	HPMax        int `yaml:"hp_max"`
	NeutralHP    int `yaml:"neutral_hp"`
	HomeHP       int `yaml:"home_hp"`
	DecayPerHour int `yaml:"decay_per_hour"`
}

type EnergyTuning struct {
	HourlyBudget int `yaml:"hourly_budget"`

	// OpeningGrant is credited to each team's wallet when a room is created.
	// Zero means one full budget per battle hour; negative disables it.
	OpeningGrant int `yaml:"opening_grant"`
}

type PressureTuning struct {
	MaxCells int   `yaml:"max_cells"`
	Values   []int `yaml:"values"`
}

type ClockTuning struct {
	LockSeconds  int `yaml:"lock_seconds"`
	RefreshMilli int `yaml:"refresh_ms"`
}

type BattleTuning struct {
	PrepMinutes   int `yaml:"prep_minutes"`
	DurationHours int `yaml:"duration_hours"`
}

type SubmitTuning struct {
	MaxAttempts int `yaml:"max_attempts"`
	BackoffMS   int `yaml:"backoff_ms"`
}

func Defaults() Tuning {
	t := Tuning{}
	t.applyDefaults()
	return t
}

func (t *Tuning) applyDefaults() {
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = "1.0"
	}
	if t.Grid.HPMax <= 0 {
		t.Grid.HPMax = 400
	}
	if t.Grid.NeutralHP <= 0 {
		t.Grid.NeutralHP = 120
	}
	if t.Grid.HomeHP <= 0 {
		t.Grid.HomeHP = 300
	}
	if t.Grid.DecayPerHour <= 0 {
		t.Grid.DecayPerHour = 10
	}
	if t.Energy.HourlyBudget <= 0 {
		t.Energy.HourlyBudget = 1000
	}
	if t.Pressure.MaxCells <= 0 {
		t.Pressure.MaxCells = 2
	}
	if len(t.Pressure.Values) == 0 {
		t.Pressure.Values = []int{20, 40, 60}
	}
	if t.Clock.LockSeconds <= 0 {
		t.Clock.LockSeconds = 120
	}
	if t.Clock.RefreshMilli <= 0 {
		t.Clock.RefreshMilli = 1000
	}
	if t.Battle.PrepMinutes < 0 {
		t.Battle.PrepMinutes = 0
	}
	if t.Battle.DurationHours <= 0 {
		t.Battle.DurationHours = 72
	}
	if t.Submit.MaxAttempts <= 0 {
		t.Submit.MaxAttempts = 3
	}
	if t.Submit.BackoffMS <= 0 {
		t.Submit.BackoffMS = 1000
	}
	if t.Energy.OpeningGrant == 0 {
		t.Energy.OpeningGrant = t.Energy.HourlyBudget * t.Battle.DurationHours
	}
}

func (t Tuning) Validate() error {
	if t.Grid.NeutralHP > t.Grid.HPMax || t.Grid.HomeHP > t.Grid.HPMax {
		return fmt.Errorf("grid: starting hp exceeds hp_max=%d", t.Grid.HPMax)
	}
	for _, v := range t.Pressure.Values {
		if v < 0 {
			return fmt.Errorf("pressure: negative value %d", v)
		}
	}
	if t.Clock.LockSeconds >= 3600 {
		return fmt.Errorf("clock: lock_seconds=%d leaves no open window", t.Clock.LockSeconds)
	}
	return nil
}

// Grant is the opening wallet credit per team, zero when disabled.
func (t Tuning) Grant() int64 {
	if t.Energy.OpeningGrant < 0 {
		return 0
	}
	return int64(t.Energy.OpeningGrant)
}

func (t Tuning) LockDuration() time.Duration {
	return time.Duration(t.Clock.LockSeconds) * time.Second
}

func (t Tuning) RefreshInterval() time.Duration {
	return time.Duration(t.Clock.RefreshMilli) * time.Millisecond
}

func (t Tuning) SubmitBackoff() time.Duration {
	return time.Duration(t.Submit.BackoffMS) * time.Millisecond
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return Defaults(), err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Defaults(), fmt.Errorf("tuning.yaml: %w", err)
	}
	t.applyDefaults()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// RoomConfig is the per-room rule set derived from the tuning file.
func (t Tuning) RoomConfig() room.Config {
	return room.Config{
		Budget: t.Energy.HourlyBudget,
		Lock:   t.LockDuration(),
		Layout: grid.Layout{
			HPMax:        t.Grid.HPMax,
			DecayPerHour: t.Grid.DecayPerHour,
			NeutralHP:    t.Grid.NeutralHP,
			HomeHP:       t.Grid.HomeHP,
		},
		Pressure: settle.PressureRule{
			MaxCells: t.Pressure.MaxCells,
			Values:   append([]int(nil), t.Pressure.Values...),
		},
	}
}
