package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	persistlog "buildcraft.ai/internal/persistence/log"
	"buildcraft.ai/internal/persistence/roomdb"
	"buildcraft.ai/internal/persistence/snapshot"
	"buildcraft.ai/internal/platform/logger"
	"buildcraft.ai/internal/relay"
	"buildcraft.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		dbPath     = flag.String("db", "", "sqlite room store path (default: <data>/rooms.db)")
		disableDB  = flag.Bool("disable_db", false, "keep room state in snapshots only")
		noJournal  = flag.Bool("disable_journal", false, "do not record accepted frames")
		logLevel   = flag.String("log_level", "info", "log level")
		adminLocal = flag.Bool("admin_loopback_only", true, "serve /admin only to loopback clients")
	)
	flag.Parse()

	log := logger.WithLevel(logger.New("relay"), *logLevel)

	cfg, err := relay.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	snapDir := filepath.Join(*dataDir, "snapshots")
	var (
		store relay.StateStore = snapshot.Loader{Dir: snapDir}
		db    *roomdb.SQLiteRooms
	)
	if !*disableDB {
		p := strings.TrimSpace(*dbPath)
		if p == "" {
			p = filepath.Join(*dataDir, "rooms.db")
		}
		db, err = roomdb.OpenSQLite(p)
		if err != nil {
			log.Fatal().Err(err).Str("path", p).Msg("open room store")
		}
		defer db.Close()
		store = db
		registerDBStats(db)
	}

	opts := relay.Options{Store: store}
	if !*noJournal {
		j := persistlog.NewJournal(*dataDir)
		defer j.Close()
		opts.Journal = j
	}
	snapCh := make(chan snapshot.RoomV1, 64)
	opts.Snapshots = snapCh

	hub := relay.NewHub(cfg, log, opts)
	srv := ws.NewServer(hub, cfg.OutQueue, log)

	mux := http.NewServeMux()
	mux.Handle("/v1/ws", srv.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		select {
		case <-hub.Done():
			http.Error(rw, "stopped", http.StatusServiceUnavailable)
		default:
			_, _ = rw.Write([]byte("ok"))
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	a := &admin{hub: hub, db: db}
	a.register(mux, *adminLocal)

	httpSrv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, cancel := signalContext()
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := hub.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		writeSnapshots(hub.Done(), snapCh, snapDir, db, log)
		return nil
	})
	g.Go(func() error {
		ln, err := net.Listen("tcp", *addr)
		if err != nil {
			return err
		}
		log.Info().Str("addr", ln.Addr().String()).Interface("config", cfg).Msg("relay listening")
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		return httpSrv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("relay stopped")
		os.Exit(1)
	}
	if db != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = db.Sync(sctx)
		scancel()
	}
	log.Info().Msg("relay stopped")
}

// writeSnapshots persists room snapshots until the hub stops, then flushes
// whatever the hub queued on its way out.
func writeSnapshots(hubDone <-chan struct{}, ch <-chan snapshot.RoomV1, dir string, db *roomdb.SQLiteRooms, log zerolog.Logger) {
	write := func(snap snapshot.RoomV1) {
		path := filepath.Join(dir, snapshot.FileName(snap.Header.Room, snap.Header.TakenAt))
		if err := snapshot.Write(path, snap); err != nil {
			log.Error().Err(err).Str("room", snap.Header.Room).Msg("snapshot write")
			return
		}
		db.RecordSnapshot(path, snap)
		log.Debug().Str("path", path).Int("objects", len(snap.Objects)).Msg("snapshot written")
	}
	for {
		select {
		case snap := <-ch:
			write(snap)
		case <-hubDone:
			for {
				select {
				case snap := <-ch:
					write(snap)
				default:
					return
				}
			}
		}
	}
}

func registerDBStats(db *roomdb.SQLiteRooms) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "buildcraft_relay",
		Name:      "roomdb_queue_depth",
		Help:      "Writes waiting for the room store writer.",
	}, func() float64 { return float64(db.Stats().QueueDepth) })
	promauto.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "buildcraft_relay",
		Name:      "roomdb_dropped_writes_total",
		Help:      "Room store writes dropped because the queue was full.",
	}, func() float64 {
		s := db.Stats()
		return float64(s.DropPutTotal + s.DropDeleteTotal + s.DropSnapshotTotal)
	})
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
