package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"gridclash.app/internal/persistence/roomdb"
	"gridclash.app/internal/persistence/snapshot"
	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/ledger"
	"gridclash.app/internal/sim/battle/room"
	"gridclash.app/internal/sim/multiroom"
)

// restoreRooms registers every room the db knows about. A room resumes from
// whichever is newer of its latest snapshot and its latest stored board,
// plus the allocations submitted for the open hour. Only a room with no
// settled hour at all replays from its opening board.
func restoreRooms(ctx context.Context, mgr *multiroom.Manager, store *roomdb.Store, snapDir string, logger *log.Logger) (int, error) {
	specs, err := store.Rooms(ctx)
	if err != nil {
		return 0, err
	}
	budget := mgr.Options().Room.Budget
	n := 0
	for _, spec := range specs {
		st, ok, err := loadState(ctx, store, snapDir, spec, budget, logger)
		if err != nil {
			// Replaying from the opening board would overwrite recorded hours.
			logger.Printf("room %s: skip: %v", spec.ID, err)
			continue
		}
		if ok {
			err = mgr.Restore(spec, st)
		} else {
			err = mgr.Resume(spec)
		}
		if err != nil {
			logger.Printf("room %s: skip: %v", spec.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

func loadState(ctx context.Context, store *roomdb.Store, snapDir string, spec room.Spec, budget int, logger *log.Logger) (room.State, bool, error) {
	st, fromSnap, err := snapshotState(ctx, store, snapDir, spec, budget)
	if err != nil {
		logger.Printf("room %s: snapshot unusable, falling back to stored boards: %v", spec.ID, err)
		fromSnap = false
	}
	rec, ok, err := store.LatestSettlement(ctx, spec.ID)
	if err != nil {
		return room.State{}, false, err
	}
	switch {
	case ok && (!fromSnap || st.LastSettled.Before(clock.HourBucket(rec.Bucket))):
		st, err = recordedState(rec, budget)
		if err != nil {
			return room.State{}, false, err
		}
	case !fromSnap:
		return room.State{}, false, nil
	}

	for _, t := range grid.Teams {
		allocs, err := store.Allocations(ctx, spec.ID, st.OpenBucket.String(), t)
		if err != nil {
			return room.State{}, false, err
		}
		if len(allocs) == 0 {
			continue
		}
		if _, err := st.Ledgers[t].Replace(allocs); err != nil {
			return room.State{}, false, err
		}
	}
	return st, true, nil
}

func snapshotState(ctx context.Context, store *roomdb.Store, snapDir string, spec room.Spec, budget int) (room.State, bool, error) {
	path, err := snapshot.Latest(filepath.Join(snapDir, spec.ID))
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		// The directory may have been pruned; the index still knows the path.
		var ok bool
		path, _, ok, err = store.LatestSnapshot(ctx, spec.ID)
		if err == nil && !ok {
			return room.State{}, false, nil
		}
	}
	if err != nil {
		return room.State{}, false, err
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return room.State{}, false, err
	}
	st, err := snap.State(budget)
	if err != nil {
		return room.State{}, false, err
	}
	return st, true, nil
}

// recordedState rebuilds a room from its newest stored board. The ledgers
// start empty; the open hour's allocations are replayed by the caller.
func recordedState(rec roomdb.Settled, budget int) (room.State, error) {
	last, err := clock.ParseBucket(rec.Bucket)
	if err != nil {
		return room.State{}, fmt.Errorf("stored board: %w", err)
	}
	return room.State{
		Grid: rec.Grid,
		Ledgers: map[grid.Team]*ledger.Ledger{
			grid.TeamA: ledger.New(budget),
			grid.TeamB: ledger.New(budget),
		},
		OpenBucket:  last.Next(),
		LastSettled: last,
		LastSummary: rec.Summary,
		Settlements: rec.Settlements,
	}, nil
}
