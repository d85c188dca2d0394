package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"gridclash.app/internal/persistence/archive"
	persistlog "gridclash.app/internal/persistence/log"
	"gridclash.app/internal/persistence/mirror"
	"gridclash.app/internal/persistence/roomdb"
	"gridclash.app/internal/persistence/snapshot"
	"gridclash.app/internal/protocol"
	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/room"
	"gridclash.app/internal/transport/ws"
)

// settlementSink records every committed hour: authoritative board and
// summary in the room db, the replay log, a resume snapshot, the final
// archive, and the live push. It runs on the room goroutine, so each step
// only logs on failure and moves on.
type settlementSink struct {
	dataDir string
	cfg     room.Config
	clk     clock.Clock
	grant   int64

	store  *roomdb.Store
	setLog *persistlog.SettlementLogger
	hub    *ws.Hub
	mirror *mirror.HTTPMirror
	log    *log.Logger
}

func (k *settlementSink) snapshotDir() string { return filepath.Join(k.dataDir, "snapshots") }

func (k *settlementSink) hooks(spec room.Spec, logger *log.Logger) room.Hooks {
	h := room.Hooks{
		OnSettled: func(s room.Settlement, st room.State) { k.onSettled(spec, s, st) },
		Logger:    logger,
	}
	if k.store != nil {
		h.Wallet = k.store
		h.Orders = k.store.Allocations
	}
	return h
}

func (k *settlementSink) onCreate(spec room.Spec) error {
	if k.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := k.store.UpsertRoom(ctx, spec); err != nil {
			return err
		}
		if k.grant > 0 {
			for _, t := range grid.Teams {
				if _, err := k.store.Credit(ctx, spec.ID, t, k.grant); err != nil {
					return fmt.Errorf("opening grant %s: %w", t, err)
				}
			}
		}
	}
	k.mirror.Enqueue(mirror.Event{Kind: mirror.KindRoom, RoomID: spec.ID, Payload: spec})
	return nil
}

func (k *settlementSink) onSettled(spec room.Spec, s room.Settlement, st room.State) {
	bucket := s.Bucket.String()
	sum := s.Result.Summary

	if k.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := k.store.PutSettlement(ctx, s.RoomID, bucket, s.Result.Grid, sum); err != nil {
			k.printf("room %s: store settlement %s: %v", s.RoomID, bucket, err)
		}
		cancel()
	}
	if k.setLog != nil {
		if err := k.setLog.WriteSettlement(persistlog.EntryFrom(s, k.cfg)); err != nil {
			k.printf("room %s: settlement log %s: %v", s.RoomID, bucket, err)
		}
	}

	final := s.Bucket == spec.FinalBucket()
	snap := snapshot.FromState(spec, k.cfg.Budget, st, final, k.clk.Now())
	path := snapshot.PathFor(k.snapshotDir(), s.RoomID, bucket)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		k.printf("room %s: snapshot %s: %v", s.RoomID, bucket, err)
	} else {
		if k.store != nil {
			k.store.RecordSnapshot(s.RoomID, bucket, path, st.Settlements)
		}
		if archived, ok, err := archive.ArchiveFinalSnapshot(k.dataDir, path, snap); err != nil {
			k.printf("room %s: archive: %v", s.RoomID, err)
		} else if ok {
			k.printf("room %s: battle over, archived %s winner=%s", s.RoomID, archived, archive.Winner(snap.Grid))
		}
	}

	if k.hub != nil {
		k.hub.Publish(s, st)
	}
	k.mirror.Enqueue(mirror.Event{
		Kind:    mirror.KindSettlement,
		RoomID:  s.RoomID,
		Bucket:  bucket,
		Payload: protocol.SummaryFrom(sum),
	})
}

func (k *settlementSink) printf(format string, args ...any) {
	if k.log != nil {
		k.log.Printf(format, args...)
	}
}
