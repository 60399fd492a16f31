package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	router "github.com/dkeye/wevibin/internal/adapters/http"
	"github.com/dkeye/wevibin/internal/adapters/media"
	"github.com/dkeye/wevibin/internal/adapters/rtc"
	sigclient "github.com/dkeye/wevibin/internal/adapters/signal"
	"github.com/dkeye/wevibin/internal/app/devices"
	"github.com/dkeye/wevibin/internal/app/mesh"
	"github.com/dkeye/wevibin/internal/app/redial"
	"github.com/dkeye/wevibin/internal/config"
	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.LoadAndWatch(func(next *config.Config) {
		setLevel(next.LogLevel)
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLevel(cfg.LogLevel)

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("exited with error")
		os.Exit(1)
	}
	log.Info().Msg("exited gracefully")
}

func setLevel(raw string) {
	lvl, err := zerolog.ParseLevel(raw)
	if err != nil || raw == "" {
		lvl = zerolog.InfoLevel
	}
	if zerolog.GlobalLevel() != lvl {
		zerolog.SetGlobalLevel(lvl)
		log.Info().Str("level", lvl.String()).Msg("log level set")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	self := domain.PeerID(cfg.PeerID)
	if self == "" {
		self = domain.NewPeerID()
	}
	if _, err := domain.ParsePeerID(string(self)); err != nil {
		return fmt.Errorf("peer id: %w", err)
	}
	logger := log.With().Str("self", string(self)).Logger()

	factory, err := rtc.NewFactory(rtc.Config{
		ICEServers:          cfg.ICE.Servers,
		DisconnectedTimeout: cfg.ICE.DisconnectedTimeout,
		FailedTimeout:       cfg.ICE.FailedTimeout,
		KeepAliveInterval:   cfg.ICE.KeepAlive,
		IncludeLoopback:     cfg.ICE.IncludeLoopback,
	})
	if err != nil {
		return err
	}

	capture, err := captureSource(cfg.Audio.Capture)
	if err != nil {
		return err
	}
	output, err := media.NewOggOutput(cfg.Audio.OutputDir)
	if err != nil {
		return err
	}

	catalog := devices.New(media.Lister{Output: output}, cfg.Devices.RefreshDebounce)
	if err := catalog.Refresh(); err != nil {
		logger.Warn().Err(err).Msg("initial device enumeration failed")
	}

	client, err := sigclient.Dial(ctx, sigclient.Config{
		URL:          cfg.Signal.URL,
		Room:         domain.RoomName(cfg.Signal.Room),
		Self:         self,
		SendBuffer:   cfg.Signal.SendBuffer,
		WriteTimeout: cfg.Signal.WriteTimeout,
		PingInterval: cfg.Signal.PingPeriod,
		MissedPongs:  cfg.Signal.MissedPongs,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coord, err := mesh.New(mesh.Options{
		Self:         self,
		Transport:    client,
		Connections:  factory,
		Capture:      capture,
		Output:       output,
		InputDevice:  domain.DeviceID(cfg.Audio.InputDevice),
		OutputDevice: domain.DeviceID(cfg.Audio.OutputDevice),
		Registerer:   reg,
		EventBuffer:  cfg.EventBuffer,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := coord.TeardownAll(); err != nil {
			logger.Error().Err(err).Msg("teardown")
		}
	}()

	redialer := redial.New(coord, redial.NewLimiter(cfg.Redial.Limit, cfg.Redial.Window), cfg.Redial.Delay)
	client.OnPresence(func(p domain.Presence) {
		switch p.Kind {
		case domain.PresenceJoined:
			redialer.PeerJoined(p.Peer)
			if err := coord.InitiatePeer(ctx, p.Peer); err != nil {
				logger.Error().Err(err).Str("peer", string(p.Peer)).Msg("initiate session")
			}
		case domain.PresenceLeft:
			redialer.PeerLeft(p.Peer)
			if err := coord.ClosePeer(p.Peer); err != nil {
				logger.Warn().Err(err).Str("peer", string(p.Peer)).Msg("close session")
			}
		}
	})

	r := router.SetupRouter(cfg, router.Deps{Mesh: coord, Devices: catalog, Gatherer: reg})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		err := client.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("signaling: %w", err)
	})
	p.Go(func(ctx context.Context) error {
		if err := redialer.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		if err := output.Watch(ctx, catalog.RequestRefresh); err != nil {
			logger.Warn().Err(err).Msg("output directory not watched")
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		logger.Info().Str("addr", addr).Str("room", cfg.Signal.Room).Msg("wevibin started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control api: %w", err)
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	return p.Wait()
}

func captureSource(kind string) (core.CaptureSource, error) {
	switch kind {
	case "silence":
		return media.SilenceSource{}, nil
	default:
		mic, err := media.NewMicrophoneSource()
		if err != nil {
			return nil, fmt.Errorf("microphone: %w", err)
		}
		return mic, nil
	}
}
