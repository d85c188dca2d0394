package room

import (
	"errors"
	"strings"
	"time"

	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/grid"
)

// Spec is fixed when the battle is created and never changes afterwards.
type Spec struct {
	ID        string        `json:"id"`
	CreatorID string        `json:"creator_id"`
	InviteeID string        `json:"invitee_id"`
	CreatedAt time.Time     `json:"created_at"`
	StartAt   time.Time     `json:"start_at"`
	Duration  time.Duration `json:"duration"`
}

var ErrBadSpec = errors.New("bad room spec")

func (s Spec) Validate() error {
	switch {
	case strings.TrimSpace(s.ID) == "":
		return errors.Join(ErrBadSpec, errors.New("missing id"))
	case strings.TrimSpace(s.CreatorID) == "" || strings.TrimSpace(s.InviteeID) == "":
		return errors.Join(ErrBadSpec, errors.New("missing creator/invitee"))
	case s.CreatorID == s.InviteeID:
		return errors.Join(ErrBadSpec, errors.New("creator and invitee must differ"))
	case s.Duration <= 0:
		return errors.Join(ErrBadSpec, errors.New("duration must be positive"))
	case s.StartAt.Before(s.CreatedAt):
		return errors.Join(ErrBadSpec, errors.New("start before creation"))
	}
	return nil
}

func (s Spec) EndAt() time.Time { return s.StartAt.Add(s.Duration) }

// FinalBucket is the last hour whose settlement falls inside the battle.
func (s Spec) FinalBucket() clock.HourBucket {
	return clock.BucketOf(s.EndAt().UTC().Truncate(time.Hour).Add(-time.Nanosecond))
}

type Phase uint8

const (
	Preparation Phase = iota
	Battle
	Ended
)

func (p Phase) String() string {
	switch p {
	case Preparation:
		return "PREPARATION"
	case Battle:
		return "BATTLE"
	case Ended:
		return "ENDED"
	}
	return "UNKNOWN"
}

func (s Spec) PhaseAt(now time.Time) Phase {
	switch {
	case now.Before(s.StartAt):
		return Preparation
	case now.Before(s.EndAt()):
		return Battle
	default:
		return Ended
	}
}

// SettlesAt reports whether a settlement instant falls inside the battle.
func (s Spec) SettlesAt(instant time.Time) bool {
	return instant.After(s.StartAt) && !instant.After(s.EndAt())
}

type Role uint8

const (
	Spectator Role = iota
	Creator
	Invited
)

func (r Role) String() string {
	switch r {
	case Creator:
		return "CREATOR"
	case Invited:
		return "INVITED"
	}
	return "SPECTATOR"
}

func (r Role) Team() grid.Team {
	switch r {
	case Creator:
		return grid.TeamA
	case Invited:
		return grid.TeamB
	}
	return grid.Neutral
}

// RoleOf derives the viewer's side from the room. It is never stored.
func RoleOf(viewerID string, s Spec) Role {
	id := strings.TrimSpace(viewerID)
	switch {
	case id == "":
		return Spectator
	case id == s.CreatorID:
		return Creator
	case id == s.InviteeID:
		return Invited
	}
	return Spectator
}

// Relative tags an absolute owner from the viewer's side for display.
func Relative(owner, viewer grid.Team) string {
	switch {
	case owner == grid.Neutral:
		return "neutral"
	case !viewer.Valid():
		return owner.String()
	case owner == viewer:
		return "player"
	default:
		return "enemy"
	}
}
