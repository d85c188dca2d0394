package archive

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"gridclash.app/internal/persistence/snapshot"
	"gridclash.app/internal/sim/battle/grid"
)

type BattleArchiveMeta struct {
	RoomID      string         `json:"room_id"`
	CreatorID   string         `json:"creator_id"`
	InviteeID   string         `json:"invitee_id"`
	StartAt     string         `json:"start_at"`
	EndAt       string         `json:"end_at"`
	LastSettled string         `json:"last_settled"`
	Settlements int            `json:"settlements"`
	Owned       map[string]int `json:"owned"`
	Winner      string         `json:"winner"`
	Snapshot    string         `json:"snapshot"`
	CreatedAt   string         `json:"created_at"`
}

// Winner is the team owning more cells on the final board, or neutral on a
// tie.
func Winner(g grid.Grid) grid.Team {
	a, b := g.OwnedCount(grid.TeamA), g.OwnedCount(grid.TeamB)
	switch {
	case a > b:
		return grid.TeamA
	case b > a:
		return grid.TeamB
	}
	return grid.Neutral
}

// ArchiveFinalSnapshot copies the snapshot of an ended battle into
// `dataDir/archives/<room>/`. Snapshots of running battles are skipped.
func ArchiveFinalSnapshot(dataDir, snapshotPath string, snap snapshot.RoomSnapshotV1) (archivedPath string, archived bool, err error) {
	if !snap.Header.Terminal || snap.Header.RoomID == "" {
		return "", false, nil
	}
	archiveDir := filepath.Join(dataDir, "archives", snap.Header.RoomID)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", false, err
	}

	g := snap.Grid
	meta := BattleArchiveMeta{
		RoomID:      snap.Header.RoomID,
		CreatorID:   snap.Spec.CreatorID,
		InviteeID:   snap.Spec.InviteeID,
		StartAt:     snap.Spec.StartAt.UTC().Format(time.RFC3339),
		EndAt:       snap.Spec.EndAt().UTC().Format(time.RFC3339),
		LastSettled: snap.Header.LastSettled,
		Settlements: snap.Header.Settlements,
		Owned: map[string]int{
			grid.TeamA.String(): g.OwnedCount(grid.TeamA),
			grid.TeamB.String(): g.OwnedCount(grid.TeamB),
		},
		Winner:    Winner(g).String(),
		Snapshot:  filepath.Base(dst),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}

	return dst, true, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
