package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"buildcraft.ai/internal/generative"
	"buildcraft.ai/internal/platform/logger"
	"buildcraft.ai/internal/sim/model"
	"buildcraft.ai/internal/sim/placement"
	"buildcraft.ai/internal/sim/session"
	"buildcraft.ai/internal/sim/terrain"
	"buildcraft.ai/internal/sim/tools"
	"buildcraft.ai/internal/sim/tuning"
	"buildcraft.ai/internal/transport/ws"
)

func main() {
	var (
		url         = flag.String("url", "ws://localhost:8080/v1/ws", "relay ws url")
		room        = flag.String("room", "plaza", "room to join")
		name        = flag.String("name", "bot", "display name")
		clientID    = flag.String("client_id", "", "identity to request (default: random)")
		tuningPath  = flag.String("tuning", "", "path to tuning.yaml (default: built-in)")
		every       = flag.Duration("every", 3*time.Second, "time between build actions")
		prompt      = flag.String("prompt", "", "generate advanced structures from this prompt")
		genEndpoint = flag.String("generate_url", os.Getenv("BUILDCRAFT_GENERATE_URL"), "text-to-structure endpoint")
		genKey      = flag.String("generate_key", os.Getenv("BUILDCRAFT_GENERATE_KEY"), "text-to-structure api key")
		metricsAddr = flag.String("metrics", "", "serve /metrics on this address (empty to disable)")
		logLevel    = flag.String("log_level", "info", "log level")
	)
	flag.Parse()

	log := logger.WithLevel(logger.Console("bot"), *logLevel)

	tun := tuning.Defaults()
	if p := strings.TrimSpace(*tuningPath); p != "" {
		t, err := tuning.Load(p)
		if err != nil {
			log.Fatal().Err(err).Msg("load tuning")
		}
		tun = t
	}
	tun, err := tun.WithEnv("BUILDCRAFT")
	if err != nil {
		log.Fatal().Err(err).Msg("tuning")
	}

	var gen tools.Generator
	if strings.TrimSpace(*genEndpoint) != "" {
		c, err := generative.New(generative.Config{Endpoint: *genEndpoint, APIKey: *genKey})
		if err != nil {
			log.Fatal().Err(err).Msg("generative client")
		}
		gen = c
	}

	client := ws.NewClient(ws.ClientConfig{URL: *url, Room: *room, Name: *name, ClientID: *clientID}, log)
	sess, err := session.New(session.Deps{
		Tuning:    tun,
		ClientID:  client.ClientID(),
		Link:      client,
		Renderer:  logRenderer{log: log},
		Height:    terrain.Rolling,
		Generator: gen,
		Log:       log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("session")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ictx, icancel := context.WithTimeout(ctx, 10*time.Second)
	w, err := client.Initialize(ictx)
	icancel()
	if err != nil {
		log.Fatal().Err(err).Str("url", *url).Msg("join room")
	}
	log.Info().Str("client_id", w.ClientID).Int("objects", len(w.RoomState)).Int("peers", len(w.Peers)).Msg("welcome")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(client.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(sess.Run(gctx)) })
	g.Go(func() error {
		drive(gctx, sess, *every, strings.TrimSpace(*prompt), log)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return client.Close()
	})
	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("bot stopped")
		os.Exit(1)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// drive plays a simple builder: it wanders, places objects, sometimes undoes
// the last one and periodically extends everything nearby.
func drive(ctx context.Context, s *session.Session, every time.Duration, prompt string, log zerolog.Logger) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	t := time.NewTicker(every)
	defer t.Stop()

	var pos model.Vec3
	submit := func(ins ...session.Input) {
		for _, in := range ins {
			if !s.Submit(in) {
				log.Warn().Str("input", string(in.Kind)).Msg("input queue full")
			}
		}
	}
	submit(session.Fire(tools.EventToggleBuild))
	if prompt != "" {
		submit(session.Fire(tools.EventToggleAdvanced), session.Generate(prompt))
	}

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		pos.X += float64(r.Intn(9) - 4)
		pos.Z += float64(r.Intn(9) - 4)
		eye := model.Vec3{X: pos.X, Y: terrain.Rolling(pos.X, pos.Z) + 1.7, Z: pos.Z}
		aim := placement.Ray{Origin: eye, Dir: model.Vec3{X: r.Float64() - 0.5, Y: -1, Z: r.Float64() - 0.5}}

		switch {
		case n%10 == 9:
			// Extender round trip: placing -> extending -> placing.
			submit(
				session.Aim(aim, false),
				session.Fire(tools.EventToggleExtender),
				session.Input{Kind: session.InputExtend},
				session.Fire(tools.EventToggleExtender),
			)
		case n%7 == 6 && prompt == "":
			submit(session.Input{Kind: session.InputUndo})
		case n%5 == 4:
			submit(session.Aim(aim, true), session.Input{Kind: session.InputMove})
		default:
			if prompt == "" && r.Intn(3) == 0 {
				submit(session.Input{Kind: session.InputShape}, session.Input{Kind: session.InputMaterial})
			}
			submit(session.Aim(aim, true), session.Input{Kind: session.InputRotate}, session.Input{Kind: session.InputCommit})
		}
	}
}
