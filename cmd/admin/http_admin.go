package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// stateCmd asks a running server for its room list, or one room's status
// when -room is set.
func stateCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	roomID := fs.String("room", "", "room id (optional)")
	viewer := fs.String("viewer", "", "viewer id (optional)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/v1/rooms"
	if *roomID != "" {
		u += "/" + url.PathEscape(*roomID)
	}
	if *viewer != "" {
		u += "?viewer=" + url.QueryEscape(*viewer)
	}
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(out, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("state: %s", resp.Status)
	}
	return nil
}
