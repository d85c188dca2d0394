package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"gridclash.app/internal/client"
	"gridclash.app/internal/protocol"
	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/grid"
	"gridclash.app/internal/sim/tuning"
)

func main() {
	var (
		base       = flag.String("url", "http://localhost:8080", "server base url")
		roomID     = flag.String("room", "", "room id")
		player     = flag.String("player", "", "player id (creator or invitee)")
		tuningPath = flag.String("tuning", "configs/tuning.yaml", "tuning file (defaults when missing)")
		seed       = flag.Int64("seed", 0, "random seed (0 = time based)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	if *roomID == "" || *player == "" {
		logger.Fatalf("-room and -player are required")
	}
	tune, err := tuning.Load(*tuningPath)
	if errors.Is(err, os.ErrNotExist) {
		tune = tuning.Defaults()
	} else if err != nil {
		logger.Fatalf("tuning: %v", err)
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(*base)
	c.MaxAttempts = tune.Submit.MaxAttempts
	c.Backoff = tune.SubmitBackoff()

	st, err := c.FetchRoom(ctx, *roomID, *player)
	if err != nil {
		logger.Fatalf("room: %v", err)
	}
	team, err := grid.ParseTeam(st.Team)
	if err != nil {
		logger.Fatalf("player %s is not seated in %s (role=%q)", *player, *roomID, st.Role)
	}
	cfg := tune.RoomConfig()
	board, ok := client.Overlay(grid.New(cfg.Layout), protocol.CellsToView(st.Cells))
	if !ok {
		logger.Fatalf("room %s: malformed board", *roomID)
	}
	rec, err := client.NewReconciler(*roomID, team, cfg, board, clock.HourBucket(st.Bucket))
	if err != nil {
		logger.Fatalf("reconciler: %v", err)
	}
	logger.Printf("ROOM %s team=%s phase=%s bucket=%s", st.RoomID, team, st.Phase, st.Bucket)

	wsURL, err := wsEndpoint(*base, *roomID)
	if err != nil {
		logger.Fatalf("ws url: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	b := &bot{c: c, room: *roomID, rec: rec, team: team, rng: rand.New(rand.NewSource(*seed)), log: logger}

	// A bot started during preparation plays its first hour once the
	// battle opens.
	var start <-chan time.Time
	switch st.Phase {
	case "BATTLE":
		b.submit(ctx)
	case "PREPARATION":
		if at, err := time.Parse(time.RFC3339, st.StartAt); err == nil {
			start = time.After(time.Until(at) + time.Second)
		}
	}

	msgs := make(chan []byte, 8)
	go func() {
		defer close(msgs)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					logger.Printf("read: %v", err)
				}
				return
			}
			msgs <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-start:
			start = nil
			if cur, err := c.FetchRoom(ctx, *roomID, *player); err == nil {
				rec.Advance(clock.HourBucket(cur.Bucket))
			}
			b.submit(ctx)
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			b.handle(ctx, msg)
		}
	}
}

func wsEndpoint(base, roomID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/rooms/" + roomID + "/ws"
	return u.String(), nil
}
