package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// dbCmd runs read-only queries straight against rooms.db, bypassing the
// store so it also works while the server holds the file.
func dbCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("db", flag.ContinueOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	roomID := fs.String("room", "", "room id (required)")
	bucket := fs.String("bucket", "", "hour bucket (allocations; optional)")
	limit := fs.Int("limit", 20, "result limit")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if strings.TrimSpace(*roomID) == "" {
		return fmt.Errorf("%w: missing -room", errUsage)
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "rooms.db")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	switch q {
	case "snapshots":
		rows, err := db.Query(`SELECT bucket,path,settlements,recorded_at FROM snapshots WHERE room_id=? ORDER BY bucket DESC LIMIT ?`, *roomID, *limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Bucket      string `json:"bucket"`
				Path        string `json:"path"`
				Settlements int    `json:"settlements"`
				RecordedAt  string `json:"recorded_at"`
			}
			if err := rows.Scan(&r.Bucket, &r.Path, &r.Settlements, &r.RecordedAt); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			printJSON(out, r)
		}
		return rows.Err()

	case "boards":
		rows, err := db.Query(`SELECT bucket,digest,recorded_at FROM boards WHERE room_id=? ORDER BY bucket DESC LIMIT ?`, *roomID, *limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Bucket     string `json:"bucket"`
				Digest     string `json:"digest"`
				RecordedAt string `json:"recorded_at"`
			}
			if err := rows.Scan(&r.Bucket, &r.Digest, &r.RecordedAt); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			printJSON(out, r)
		}
		return rows.Err()

	case "allocations":
		query := `SELECT bucket,team,cell,amount FROM allocations WHERE room_id=? ORDER BY bucket DESC,team,cell LIMIT ?`
		qargs := []any{*roomID, *limit}
		if strings.TrimSpace(*bucket) != "" {
			query = `SELECT bucket,team,cell,amount FROM allocations WHERE room_id=? AND bucket=? ORDER BY team,cell LIMIT ?`
			qargs = []any{*roomID, strings.TrimSpace(*bucket), *limit}
		}
		rows, err := db.Query(query, qargs...)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Bucket string `json:"bucket"`
				Team   string `json:"team"`
				Cell   int    `json:"cell"`
				Amount int    `json:"amount"`
			}
			if err := rows.Scan(&r.Bucket, &r.Team, &r.Cell, &r.Amount); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			printJSON(out, r)
		}
		return rows.Err()

	case "wallets":
		rows, err := db.Query(`SELECT team,balance FROM wallets WHERE room_id=? ORDER BY team`, *roomID)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Team    string `json:"team"`
				Balance int64  `json:"balance"`
			}
			if err := rows.Scan(&r.Team, &r.Balance); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			printJSON(out, r)
		}
		return rows.Err()
	}
	return fmt.Errorf("%w: unknown query %q (snapshots|boards|allocations|wallets)", errUsage, q)
}

func printJSON(out io.Writer, v any) {
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
