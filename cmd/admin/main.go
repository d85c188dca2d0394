package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gridclash.app/internal/persistence/roomdb"
	"gridclash.app/internal/persistence/snapshot"
	"gridclash.app/internal/sim/battle/grid"
)

var errUsage = errors.New("usage")

func main() {
	cmd, args := "rooms", os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	var err error
	switch cmd {
	case "rooms":
		err = roomsCmd(args, os.Stdout)
	case "balance":
		err = walletCmd(args, os.Stdout, false)
	case "credit":
		err = walletCmd(args, os.Stdout, true)
	case "history":
		err = historyCmd(args, os.Stdout)
	case "snapshot":
		err = snapshotCmd(args, os.Stdout)
	case "db":
		err = dbCmd(args, os.Stdout)
	case "state":
		err = stateCmd(args, os.Stdout)
	default:
		err = fmt.Errorf("%w: unknown command %q (rooms|balance|credit|history|snapshot|db|state)", errUsage, cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func openStore(dataDir string) (*roomdb.Store, error) {
	path := filepath.Join(dataDir, "rooms.db")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return roomdb.Open(path)
}

func roomsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("rooms", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	st, err := openStore(*dataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	specs, err := st.Rooms(ctx)
	if err != nil {
		return err
	}
	for _, s := range specs {
		fmt.Fprintf(out, "%s\tcreator=%s\tinvitee=%s\tstart=%s\tend=%s\n",
			s.ID, s.CreatorID, s.InviteeID, s.StartAt.UTC().Format(time.RFC3339), s.EndAt().UTC().Format(time.RFC3339))
	}
	return nil
}

func walletCmd(args []string, out io.Writer, credit bool) error {
	fs := flag.NewFlagSet("wallet", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	roomID := fs.String("room", "", "room id")
	teamName := fs.String("team", "", "team (A or B)")
	amount := fs.Int64("amount", 0, "credit amount (credit only)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *roomID == "" {
		return fmt.Errorf("%w: missing -room", errUsage)
	}
	team, err := grid.ParseTeam(*teamName)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if credit && *amount <= 0 {
		return fmt.Errorf("%w: -amount must be positive", errUsage)
	}
	st, err := openStore(*dataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var bal int64
	if credit {
		bal, err = st.Credit(ctx, *roomID, team, *amount)
	} else {
		bal, err = st.Balance(ctx, *roomID, team)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s/%s balance=%d\n", *roomID, team, bal)
	return nil
}

func historyCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	roomID := fs.String("room", "", "room id")
	since := fs.String("since", "", "list buckets after this one")
	limit := fs.Int("limit", 24, "result limit")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *roomID == "" {
		return fmt.Errorf("%w: missing -room", errUsage)
	}
	st, err := openStore(*dataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sums, err := st.Summaries(ctx, *roomID, *since, *limit)
	if err != nil {
		return err
	}
	for _, s := range sums {
		fmt.Fprintf(out, "%s\tseed=%d\tspent_a=%d\tspent_b=%d\tcaptures=%d\n",
			s.Bucket, s.Seed, s.SpentTotal(grid.TeamA), s.SpentTotal(grid.TeamB), len(s.Captures))
	}
	return nil
}

// snapshotCmd prints the JSON header of a snapshot: the given file, or the
// newest one of a room.
func snapshotCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	roomID := fs.String("room", "", "room id (latest snapshot)")
	path := fs.String("path", "", "snapshot file")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	p := strings.TrimSpace(*path)
	if p == "" {
		if *roomID == "" {
			return fmt.Errorf("%w: missing -room or -path", errUsage)
		}
		var err error
		p, err = snapshot.Latest(filepath.Join(*dataDir, "snapshots", *roomID))
		if err != nil {
			return fmt.Errorf("%s: %w", *roomID, err)
		}
	}
	h, err := snapshot.ReadHeader(p)
	if err != nil {
		return err
	}
	b, _ := json.MarshalIndent(struct {
		Path string `json:"path"`
		snapshot.Header
	}{filepath.Base(p), h}, "", "  ")
	fmt.Fprintln(out, string(b))
	return nil
}
