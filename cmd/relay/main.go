package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/admin"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/config"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/control"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/graph"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/metrics"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/router"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
)

func main() {
	configDir := flag.String("config", "", "directory with node/media/limits/admin/log .yaml or .json files")
	nodeID := flag.String("node", "", "node id, substituted into the control socket path")
	socketPath := flag.String("socket", "", "control socket path template (%s is the node id)")
	audioPort := flag.Int("audio-port", 0, "audio RTP ingest port")
	videoPort := flag.Int("video-port", 0, "video RTP ingest port")
	adminPort := flag.Int("admin-port", 0, "admin HTTP port, -1 disables")
	logLevel := flag.String("log-level", "", "debug, info, warn or error")
	flag.Parse()

	// only explicitly set flags override the config files
	var overrides []config.Option
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "node":
			overrides = append(overrides, config.WithNodeID(*nodeID))
		case "socket":
			overrides = append(overrides, config.WithSocketPath(*socketPath))
		case "audio-port":
			overrides = append(overrides, config.WithAudioPort(*audioPort))
		case "video-port":
			overrides = append(overrides, config.WithVideoPort(*videoPort))
		case "admin-port":
			overrides = append(overrides, config.WithAdminPort(*adminPort))
		case "log-level":
			overrides = append(overrides, config.WithLogLevel(*logLevel))
		}
	})

	level := new(slog.LevelVar)
	slog.SetDefault(newLogger(level, false))

	mgr, err := config.NewManager(*configDir, overrides...)
	if err != nil {
		slog.Error("failed to load config", "dir", *configDir, "error", err)
		os.Exit(1)
	}
	defer mgr.Close()

	cfg := mgr.Get()
	level.Set(cfg.Log.SlogLevel())
	slog.SetDefault(newLogger(level, cfg.Log.JSON))
	metrics.StartTime.SetToCurrentTime()

	if err := run(cfg, mgr, level); err != nil {
		slog.Error("relay stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("relay exited")
}

func newLogger(level slog.Leveler, json bool) *slog.Logger {
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

func limitsFrom(c config.LimitsConfig) router.Limits {
	return router.Limits{
		MaxSessions:  c.MaxSessions,
		MaxTargets:   c.MaxTargets,
		UnclaimedTTL: c.UnclaimedTTL,
	}
}

func run(cfg config.AppConfig, mgr *config.Manager, level *slog.LevelVar) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	graphs := make([]*graph.Graph, 0, len(domain.MediaKinds))
	mediaGraphs := make([]domain.MediaGraph, 0, len(domain.MediaKinds))
	for _, kind := range domain.MediaKinds {
		codec, _ := cfg.Media.CodecFor(kind)
		g := graph.New(graph.Config{
			Kind:              kind,
			ListenAddr:        cfg.Media.ListenAddr,
			Port:              cfg.Media.PortFor(kind),
			ReadBufferSize:    cfg.Media.ReadBufferSize,
			OutputQueueSize:   cfg.Media.OutputQueueSize,
			FilterPayloadType: cfg.Media.FilterPayloadType,
			Codec:             codec,
		})
		graphs = append(graphs, g)
		mediaGraphs = append(mediaGraphs, g)
	}

	rt := router.New(limitsFrom(cfg.Limits), mediaGraphs...)
	mgr.SetUpdateCallback(func(c *config.AppConfig) {
		rt.SetLimits(limitsFrom(c.Limits))
		level.Set(c.Log.SlogLevel())
	})

	ctrl := control.NewServer(cfg.SocketPath(), rt, cancel)

	var adm *admin.Server
	if cfg.Admin.Port > 0 {
		adm = admin.NewServer(rt, cfg.Node.ID, cfg.Admin.PushInterval)
	}

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			slog.Info("shutting down", "node", cfg.Node.ID)
			if err := ctrl.Close(); err != nil {
				slog.Warn("failed to close control socket", "error", err)
			}
			if adm != nil {
				if err := adm.Shutdown(); err != nil {
					slog.Warn("failed to stop admin server", "error", err)
				}
			}
			rt.Close()
			for _, g := range graphs {
				g.Stop()
			}
		})
	}
	defer shutdown()

	for _, g := range graphs {
		if err := g.Start(context.Background()); err != nil {
			return err
		}
	}
	rt.StartSweeper(cfg.Limits.SweepInterval)

	if err := ctrl.Listen(); err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return ctrl.Serve(egCtx)
	})
	if adm != nil {
		eg.Go(func() error {
			return adm.Listen(cfg.Admin.Port)
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		shutdown()
		return nil
	})

	slog.Info("relay started",
		"node", cfg.Node.ID,
		"socket", ctrl.Path(),
		"audioPort", cfg.Media.AudioPort,
		"videoPort", cfg.Media.VideoPort,
		"adminPort", cfg.Admin.Port,
	)
	return eg.Wait()
}
