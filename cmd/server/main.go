package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	persistlog "gridclash.app/internal/persistence/log"
	"gridclash.app/internal/persistence/mirror"
	"gridclash.app/internal/persistence/roomdb"
	"gridclash.app/internal/sim/battle/clock"
	"gridclash.app/internal/sim/battle/room"
	"gridclash.app/internal/sim/multiroom"
	"gridclash.app/internal/sim/tuning"
	"gridclash.app/internal/transport/httpapi"
	"gridclash.app/internal/transport/ws"
)

type serverConfig struct {
	Addr        string
	ConfigDir   string
	DataDir     string
	TuningPath  string
	RoomsPath   string
	MirrorURL   string
	MirrorToken string
	EnablePprof bool
}

func main() {
	var cfg serverConfig
	flag.StringVar(&cfg.Addr, "addr", ":8080", "http listen address")
	flag.StringVar(&cfg.ConfigDir, "configs", "./configs", "config directory")
	flag.StringVar(&cfg.DataDir, "data", "./data", "runtime data directory")
	flag.StringVar(&cfg.TuningPath, "tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	flag.StringVar(&cfg.RoomsPath, "rooms", "", "path to rooms.yaml with pre-provisioned rooms (default: <configs>/rooms.yaml if present)")
	flag.StringVar(&cfg.MirrorURL, "mirror_url", "", "settlement mirror ingest endpoint (empty to disable)")
	flag.StringVar(&cfg.MirrorToken, "mirror_token", "", "settlement mirror token")
	flag.BoolVar(&cfg.EnablePprof, "pprof", false, "serve /debug/pprof")
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	overrides, err := parseEnv()
	if err != nil {
		logger.Fatalf("%v", err)
	}
	overrides.apply(&cfg)

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(cfg serverConfig, logger *log.Logger) error {
	tp := strings.TrimSpace(cfg.TuningPath)
	if tp == "" {
		tp = filepath.Join(cfg.ConfigDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load tuning: %w", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	roomCfg := tune.RoomConfig()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	store, err := roomdb.Open(filepath.Join(cfg.DataDir, "rooms.db"))
	if err != nil {
		return fmt.Errorf("open room db: %w", err)
	}
	defer store.Close()

	setLog := persistlog.NewSettlementLogger(filepath.Join(cfg.DataDir, "logs"))
	defer setLog.Close()

	var mir *mirror.HTTPMirror
	if strings.TrimSpace(cfg.MirrorURL) != "" {
		mir, err = mirror.Open(mirror.Config{
			Endpoint: cfg.MirrorURL,
			Token:    cfg.MirrorToken,
			Logger:   log.New(os.Stdout, "[mirror] ", log.LstdFlags|log.Lmicroseconds),
		})
		if err != nil {
			return fmt.Errorf("mirror: %w", err)
		}
		defer mir.Close()
	}

	hub := ws.NewHub()
	clk := clock.System{}
	sink := &settlementSink{
		dataDir: cfg.DataDir,
		cfg:     roomCfg,
		clk:     clk,
		grant:   tune.Grant(),
		store:   store,
		setLog:  setLog,
		hub:     hub,
		mirror:  mir,
		log:     logger,
	}
	roomLogger := log.New(os.Stdout, "[room] ", log.LstdFlags|log.Lmicroseconds)
	mgr := multiroom.NewManager(multiroom.Options{
		Room:     roomCfg,
		Refresh:  tune.RefreshInterval(),
		Prep:     time.Duration(tune.Battle.PrepMinutes) * time.Minute,
		Duration: time.Duration(tune.Battle.DurationHours) * time.Hour,
		Clock:    clk,
		Logger:   roomLogger,
		Hooks:    func(spec room.Spec) room.Hooks { return sink.hooks(spec, roomLogger) },
		OnCreate: sink.onCreate,
	})
	defer mgr.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	restored, err := restoreRooms(ctx, mgr, store, sink.snapshotDir(), logger)
	if err != nil {
		return fmt.Errorf("restore rooms: %w", err)
	}
	logger.Printf("restored %d rooms", restored)

	rp := strings.TrimSpace(cfg.RoomsPath)
	if rp == "" {
		if p := filepath.Join(cfg.ConfigDir, "rooms.yaml"); fileExists(p) {
			rp = p
		}
	}
	if rp != "" {
		rooms, err := multiroom.Load(rp)
		if err != nil {
			return fmt.Errorf("load rooms config: %w", err)
		}
		created, err := mgr.Provision(rooms)
		if err != nil {
			return err
		}
		if len(created) > 0 {
			logger.Printf("provisioned rooms: %s", strings.Join(created, ","))
		}
	}

	api := httpapi.NewServer(mgr, store, logger)
	api.AddMetrics(hub.WriteMetrics)
	api.AddMetrics(func(w io.Writer) { writeMirrorMetrics(w, mir) })

	mux := http.NewServeMux()
	api.Register(mux)
	mux.HandleFunc("GET /v1/rooms/{room}/ws", ws.NewServer(hub, func(id string) (ws.Room, bool) {
		rt, ok := mgr.Get(id)
		if !ok {
			return nil, false
		}
		return rt, true
	}, logger).Handler())
	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.Run(gctx) })
	g.Go(func() error {
		logger.Printf("listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ListenAndServe: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	err = g.Wait()
	logger.Printf("shutdown")
	return err
}

func writeMirrorMetrics(w io.Writer, m *mirror.HTTPMirror) {
	if m == nil {
		return
	}
	s := m.Stats()
	fmt.Fprintf(w, "gridclash_mirror_sent_total %d\n", s.Sent)
	fmt.Fprintf(w, "gridclash_mirror_dropped_total %d\n", s.Dropped)
	fmt.Fprintf(w, "gridclash_mirror_failed_total %d\n", s.Failed)
	fmt.Fprintf(w, "gridclash_mirror_queue %d\n", s.Queued)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
