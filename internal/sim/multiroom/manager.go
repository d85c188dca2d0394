package multiroom

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/room"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrDuplicateRoom = errors.New("room already exists")
	ErrManagerClosed = errors.New("manager closed")
)

type Options struct {
	Room    room.Config
	Refresh time.Duration

	// Prep is the default delay between creation and battle start; Duration
	// the default battle length.
	Prep     time.Duration
	Duration time.Duration

	Clock  clock.Clock
	Logger *log.Logger

	// Hooks builds the per-room hooks. OnCreate runs before a new room is
	// registered; an error aborts the creation.
	Hooks    func(spec room.Spec) room.Hooks
	OnCreate func(spec room.Spec) error
	NewID    func() string
}

type CreateRequest struct {
	ID string
	// CreatedAt defaults to now; provisioning backdates it for rooms whose
	// configured start has already passed.
	CreatedAt time.Time
	CreatorID string
	InviteeID string
	StartAt   time.Time
	Duration  time.Duration
}

// Manager owns every room runtime. Rooms share no mutable state; each runs
// on its own goroutine once the manager is running.
type Manager struct {
	mu    sync.RWMutex
	opts  Options
	rooms map[string]*room.Runtime

	runCtx context.Context
	wg     sync.WaitGroup

	closed    bool
	closeOnce sync.Once
}

func NewManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Refresh <= 0 {
		opts.Refresh = time.Second
	}
	if opts.Duration <= 0 {
		opts.Duration = 72 * time.Hour
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Manager{opts: opts, rooms: map[string]*room.Runtime{}}
}

func (m *Manager) Options() Options { return m.opts }

// Create registers a brand-new room.
func (m *Manager) Create(req CreateRequest) (room.Spec, error) {
	now := m.opts.Clock.Now()
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = m.opts.NewID()
	}
	start := req.StartAt
	if start.IsZero() {
		start = now.Add(m.opts.Prep)
	}
	d := req.Duration
	if d <= 0 {
		d = m.opts.Duration
	}
	created := now
	if !req.CreatedAt.IsZero() && req.CreatedAt.Before(now) {
		created = req.CreatedAt
	}
	spec := room.Spec{
		ID:        id,
		CreatorID: strings.TrimSpace(req.CreatorID),
		InviteeID: strings.TrimSpace(req.InviteeID),
		CreatedAt: created,
		StartAt:   start,
		Duration:  d,
	}
	if err := spec.Validate(); err != nil {
		return room.Spec{}, err
	}
	r, err := room.New(spec, m.opts.Room, now)
	if err != nil {
		return room.Spec{}, err
	}
	if err := m.add(r, true); err != nil {
		return room.Spec{}, err
	}
	return spec, nil
}

// Restore registers a room resumed from persisted state.
func (m *Manager) Restore(spec room.Spec, st room.State) error {
	r, err := room.Restore(spec, m.opts.Room, st)
	if err != nil {
		return err
	}
	return m.add(r, false)
}

// Resume registers a known room that has no saved state. It starts from the
// opening board at its creation hour; the first step settles every hour
// that has ended since.
func (m *Manager) Resume(spec room.Spec) error {
	from := spec.CreatedAt
	if from.IsZero() {
		from = spec.StartAt
	}
	r, err := room.New(spec, m.opts.Room, from)
	if err != nil {
		return err
	}
	return m.add(r, false)
}

// Provision creates the configured rooms that are not registered yet.
func (m *Manager) Provision(cfg Config) ([]string, error) {
	now := m.opts.Clock.Now()
	var created []string
	for _, rs := range cfg.Rooms {
		if _, ok := m.Get(rs.ID); ok {
			continue
		}
		spec, err := rs.ToSpec(now, m.opts.Duration)
		if err != nil {
			return created, fmt.Errorf("provision %s: %w", rs.ID, err)
		}
		if _, err := m.Create(CreateRequest{
			ID:        spec.ID,
			CreatedAt: spec.CreatedAt,
			CreatorID: spec.CreatorID,
			InviteeID: spec.InviteeID,
			StartAt:   spec.StartAt,
			Duration:  spec.Duration,
		}); err != nil {
			return created, fmt.Errorf("provision %s: %w", rs.ID, err)
		}
		created = append(created, spec.ID)
	}
	return created, nil
}

func (m *Manager) add(r *room.Room, isNew bool) error {
	spec := r.Spec()
	var hooks room.Hooks
	if m.opts.Hooks != nil {
		hooks = m.opts.Hooks(spec)
	}
	if hooks.Logger == nil {
		hooks.Logger = m.opts.Logger
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.rooms[spec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRoom, spec.ID)
	}
	if isNew && m.opts.OnCreate != nil {
		if err := m.opts.OnCreate(spec); err != nil {
			return err
		}
	}
	rt := room.NewRuntime(r, m.opts.Clock, m.opts.Refresh, hooks)
	m.rooms[spec.ID] = rt
	if m.runCtx != nil {
		m.start(rt)
	}
	return nil
}

func (m *Manager) Get(id string) (*room.Runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.rooms[id]
	return rt, ok
}

func (m *Manager) Lookup(id string) (*room.Runtime, error) {
	rt, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	return rt, nil
}

// Rooms returns the registered room specs sorted by id.
func (m *Manager) Rooms() []room.Spec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]room.Spec, 0, len(m.rooms))
	for _, rt := range m.rooms {
		out = append(out, rt.Spec())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run starts every room and keeps starting rooms added later, until ctx is
// done. It returns after all room goroutines exit.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.runCtx != nil {
		m.mu.Unlock()
		return errors.New("manager already running")
	}
	m.runCtx = ctx
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m.start(m.rooms[id])
	}
	m.mu.Unlock()

	<-ctx.Done()
	m.wg.Wait()
	return nil
}

// start must be called with m.mu held.
func (m *Manager) start(rt *room.Runtime) {
	ctx := m.runCtx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logf("room %s stopped: %v", rt.ID(), err)
		}
	}()
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		for _, rt := range m.rooms {
			rt.Stop()
		}
		m.mu.Unlock()
	})
}

func (m *Manager) logf(format string, args ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Printf(format, args...)
	}
}
