package clock

import (
	"fmt"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type System struct{}

func (System) Now() time.Time { return time.Now() }

// Manual is a settable clock for tests and replays.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(t time.Time) *Manual { return &Manual{now: t} }

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

const bucketLayout = "2006-01-02T15Z"

// HourBucket names the settlement period that ends at the next top of the
// hour. It is the UTC hour the period started in.
type HourBucket string

func BucketOf(t time.Time) HourBucket {
	return HourBucket(t.UTC().Truncate(time.Hour).Format(bucketLayout))
}

func ParseBucket(s string) (HourBucket, error) {
	t, err := time.Parse(bucketLayout, s)
	if err != nil {
		return "", fmt.Errorf("parse hour bucket %q: %w", s, err)
	}
	return BucketOf(t), nil
}

func (b HourBucket) String() string { return string(b) }

func (b HourBucket) Start() time.Time {
	t, err := time.Parse(bucketLayout, string(b))
	if err != nil {
		return time.Time{}
	}
	return t
}

// End is the settlement instant of the bucket.
func (b HourBucket) End() time.Time { return b.Start().Add(time.Hour) }

func (b HourBucket) Next() HourBucket { return BucketOf(b.End()) }

func (b HourBucket) Before(o HourBucket) bool { return b.Start().Before(o.Start()) }

func NextBoundary(now time.Time) time.Time {
	return now.UTC().Truncate(time.Hour).Add(time.Hour)
}

func SecondsRemaining(now time.Time) int {
	d := NextBoundary(now).Sub(now.UTC())
	return int((d + time.Second - 1) / time.Second)
}

type State uint8

const (
	Open State = iota
	LockWindow
	Settling
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case LockWindow:
		return "LOCKED"
	case Settling:
		return "SETTLING"
	}
	return "UNKNOWN"
}

// StateAt derives the lock state from the wall clock alone.
func StateAt(now time.Time, lock time.Duration) State {
	if NextBoundary(now).Sub(now.UTC()) <= lock {
		return LockWindow
	}
	return Open
}

// StepStateAt is StateAt for a tick that may have settled buckets. The tick
// that settles reports Settling; the next one is back to Open.
func StepStateAt(now time.Time, lock time.Duration, settled bool) State {
	if settled {
		return Settling
	}
	return StateAt(now, lock)
}

// Tracker detects hour-boundary crossings. Each crossed bucket is reported
// once, however ticks are coalesced or delayed; a clock that steps backwards
// never re-reports.
type Tracker struct {
	last HourBucket
}

func NewTracker(now time.Time) *Tracker { return &Tracker{last: BucketOf(now)} }

func (t *Tracker) Current() HourBucket { return t.last }

// Reset rewinds the tracker to a known last-open bucket (used on resume).
func (t *Tracker) Reset(b HourBucket) { t.last = b }

// Observe returns the buckets whose settlement instant passed since the last
// call, oldest first.
func (t *Tracker) Observe(now time.Time) []HourBucket {
	cur := BucketOf(now)
	if t.last == "" {
		t.last = cur
		return nil
	}
	if !t.last.Before(cur) {
		return nil
	}
	var out []HourBucket
	for b := t.last; b.Before(cur); b = b.Next() {
		out = append(out, b)
	}
	t.last = cur
	return out
}
