package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/feira-labs/feira-notify/internal/agent"
	"github.com/feira-labs/feira-notify/internal/config"
	"github.com/feira-labs/feira-notify/internal/foreground"
	"github.com/feira-labs/feira-notify/internal/logging"
	"github.com/feira-labs/feira-notify/internal/realtime"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("agent stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tray := agent.NewTray(func(n agent.Notification, replaced bool) {
		logger.Info("notification",
			zap.String("tag", n.Tag),
			zap.String("title", n.Title),
			zap.String("body", n.Body),
			zap.Bool("replaced", replaced))
	})
	a, err := agent.New(agent.Config{
		Version:       cfg.Agent.Version,
		Origin:        cfg.Agent.Origin,
		Precache:      cfg.Agent.Precache,
		ExternalHosts: cfg.Agent.ExternalHosts,
		SkipWaiting:   cfg.Agent.SkipWaiting,
		Icon:          cfg.Agent.Icon,
		Badge:         cfg.Agent.Badge,
	}, &http.Client{Timeout: cfg.Agent.FetchTimeout}, nil, tray, newBrowserClients(), logger)
	if err != nil {
		return err
	}
	if err := a.Install(ctx); err != nil {
		return err
	}
	if a.State() != agent.StateActivated {
		logger.Info("installed, waiting for SKIP_WAITING")
	}

	app := newApp(a, tray, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("agent listening", zap.String("addr", cfg.Agent.ListenAddr), zap.String("origin", cfg.Agent.Origin))
		return app.Listen(cfg.Agent.ListenAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.Shutdown()
	})
	g.Go(func() error {
		return ignoreCanceled(a.Run(gctx))
	})
	if cfg.Agent.UserID != "" {
		feed := realtime.NewSSESubscriber(cfg.Agent.ServerURL, cfg.Agent.Token, nil, logger)
		listener := foreground.NewListener(feed, a, newPlayer(cfg), logger)
		g.Go(func() error {
			return ignoreCanceled(listener.Run(gctx, cfg.Agent.UserID))
		})
	} else {
		logger.Warn("agent.user_id not set, realtime listener disabled")
	}
	return g.Wait()
}

func newPlayer(cfg *config.Config) foreground.Player {
	switch {
	case !cfg.Agent.Sound:
		return nil
	case len(cfg.Agent.PlayerCommand) > 0:
		return foreground.CommandPlayer{Name: cfg.Agent.PlayerCommand[0], Args: cfg.Agent.PlayerCommand[1:]}
	default:
		return foreground.NewBellPlayer(os.Stderr)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
