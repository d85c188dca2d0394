package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	persistlog "gridclash.app/internal/persistence/log"
)

func main() {
	var (
		logsDir = flag.String("logs", "data/logs", "settlement log directory")
		file    = flag.String("file", "", "single settlement log file (overrides -logs)")
		roomID  = flag.String("room", "", "only verify this room")
		from    = flag.String("from", "", "first bucket to verify (inclusive)")
		to      = flag.String("to", "", "last bucket to verify (inclusive)")
		verbose = flag.Bool("v", false, "print every entry")
	)
	flag.Parse()

	var files []string
	if *file != "" {
		files = []string{*file}
	} else {
		var err error
		files, err = persistlog.Files(*logsDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "list logs:", err)
			os.Exit(1)
		}
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no settlement logs found in", *logsDir)
		os.Exit(2)
	}

	f := filter{room: *roomID, from: *from, to: *to}
	rep, err := verifyFiles(files, f, os.Stdout, *verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay: checked=%d mismatched=%d chain_breaks=%d rooms=%d\n", rep.Checked, rep.Mismatched, rep.ChainBreaks, len(rep.lastPost))
	if rep.Mismatched > 0 {
		os.Exit(1)
	}
}

type filter struct {
	room, from, to string
}

func (f filter) keep(room, bucket string) bool {
	if f.room != "" && room != f.room {
		return false
	}
	if f.from != "" && bucket < f.from {
		return false
	}
	if f.to != "" && bucket > f.to {
		return false
	}
	return true
}

type report struct {
	Checked     int
	Mismatched  int
	ChainBreaks int

	lastPost map[string]string
}

// verifyFiles re-runs every kept entry. A chain break is a pre-settlement
// board that differs from the same room's previous post-settlement board;
// it happens legitimately when a room adopted a board from elsewhere, so
// it is reported but not fatal.
func verifyFiles(files []string, f filter, out io.Writer, verbose bool) (report, error) {
	rep := report{lastPost: map[string]string{}}
	for _, path := range files {
		entries, err := persistlog.ReadSettlements(path)
		if err != nil {
			return rep, fmt.Errorf("%s: %w", path, err)
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Bucket < entries[j].Bucket })
		for _, e := range entries {
			if !f.keep(e.RoomID, e.Bucket) {
				continue
			}
			rep.Checked++
			if prev, ok := rep.lastPost[e.RoomID]; ok && prev != e.PreDigest {
				rep.ChainBreaks++
				fmt.Fprintf(out, "chain %s/%s: pre %s follows post %s\n", e.RoomID, e.Bucket, e.PreDigest, prev)
			}
			rep.lastPost[e.RoomID] = e.PostDigest

			if _, err := e.Verify(); err != nil {
				rep.Mismatched++
				kind := "error"
				if errors.Is(err, persistlog.ErrDigestMismatch) {
					kind = "mismatch"
				}
				fmt.Fprintf(out, "%s %s/%s: %v\n", kind, e.RoomID, e.Bucket, err)
				continue
			}
			if verbose {
				fmt.Fprintf(out, "ok %s/%s %s\n", e.RoomID, e.Bucket, e.PostDigest)
			}
		}
	}
	return rep, nil
}
