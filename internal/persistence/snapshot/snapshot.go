package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/battle/ledger"
	"gridclash.app/internal/sim/battle/room"
	"gridclash.app/internal/sim/battle/settle"
)

const Version = 1

var ErrNoSnapshot = errors.New("no snapshot")

// Header is also written as a plain JSON line ahead of the gob payload so
// tools can inspect a snapshot without decoding it.
type Header struct {
	Version     int    `json:"version"`
	RoomID      string `json:"room_id"`
	LastSettled string `json:"last_settled"`
	OpenBucket  string `json:"open_bucket"`
	Settlements int    `json:"settlements"`
	Terminal    bool   `json:"terminal"`
	WrittenAt   string `json:"written_at"`
}

type RoomSnapshotV1 struct {
	Header Header

	Spec        room.Spec
	Grid        grid.Grid
	Budget      int
	Pending     map[string]map[int]int
	LastSummary settle.RoundSummary
}

func FromState(spec room.Spec, budget int, st room.State, terminal bool, now time.Time) RoomSnapshotV1 {
	pending := map[string]map[int]int{}
	for _, t := range grid.Teams {
		if l := st.Ledgers[t]; l != nil {
			pending[t.String()] = l.Pending()
		}
	}
	return RoomSnapshotV1{
		Header: Header{
			Version:     Version,
			RoomID:      spec.ID,
			LastSettled: st.LastSettled.String(),
			OpenBucket:  st.OpenBucket.String(),
			Settlements: st.Settlements,
			Terminal:    terminal,
			WrittenAt:   now.UTC().Format(time.RFC3339Nano),
		},
		Spec:        spec,
		Grid:        st.Grid,
		Budget:      budget,
		Pending:     pending,
		LastSummary: st.LastSummary,
	}
}

// State rebuilds the room state. Pending allocations are restored against
// the configured budget so a budget change applies on resume.
func (s RoomSnapshotV1) State(budget int) (room.State, error) {
	if s.Header.Version != Version {
		return room.State{}, fmt.Errorf("snapshot %s: unsupported version %d", s.Header.RoomID, s.Header.Version)
	}
	st := room.State{
		Grid:        s.Grid,
		Ledgers:     map[grid.Team]*ledger.Ledger{},
		OpenBucket:  clock.HourBucket(s.Header.OpenBucket),
		LastSettled: clock.HourBucket(s.Header.LastSettled),
		LastSummary: s.LastSummary,
		Settlements: s.Header.Settlements,
	}
	for _, t := range grid.Teams {
		l, err := ledger.Restore(budget, s.Pending[t.String()])
		if err != nil {
			return room.State{}, fmt.Errorf("snapshot %s: %w", s.Header.RoomID, err)
		}
		st.Ledgers[t] = l
	}
	return st, nil
}

func PathFor(dir, roomID, bucket string) string {
	return filepath.Join(dir, roomID, bucket+".snap.zst")
}

// WriteSnapshot writes through a temp file so a crash never leaves a
// truncated snapshot under the final name.
func WriteSnapshot(path string, snap RoomSnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap RoomSnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, err := json.Marshal(snap.Header)
	if err != nil {
		_ = enc.Close()
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (RoomSnapshotV1, error) {
	var snap RoomSnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// The gob payload repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("snapshot header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// ReadHeader decodes only the JSON header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("snapshot header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("snapshot header: %w", err)
	}
	return h, nil
}

// Latest returns the newest snapshot of one room directory. Bucket names
// sort chronologically.
func Latest(roomDir string) (string, error) {
	entries, err := os.ReadDir(roomDir)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoSnapshot
	}
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		names = append(names, e.Name())
	}
	if len(names) == 0 {
		return "", ErrNoSnapshot
	}
	sort.Strings(names)
	return filepath.Join(roomDir, names[len(names)-1]), nil
}
