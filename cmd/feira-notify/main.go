package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/feira-labs/feira-notify/internal/config"
	"github.com/feira-labs/feira-notify/internal/credential"
	"github.com/feira-labs/feira-notify/internal/fcm"
	"github.com/feira-labs/feira-notify/internal/logging"
	"github.com/feira-labs/feira-notify/internal/realtime"
	"github.com/feira-labs/feira-notify/internal/server"
	"github.com/feira-labs/feira-notify/internal/service"
	"github.com/feira-labs/feira-notify/internal/storage"
	"github.com/feira-labs/feira-notify/internal/storage/bolt"
	"github.com/feira-labs/feira-notify/internal/storage/postgres"
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
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	broker, err := openBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	creds, err := pushCredentials(cfg, logger)
	if err != nil {
		return err
	}
	sender, err := fcm.New(cfg.Push.BaseURL, cfg.Push.SendTimeout)
	if err != nil {
		return fmt.Errorf("init push client: %w", err)
	}

	svc := server.Services{
		Dispatch:      service.NewDispatchService(store, broker, creds, sender, service.DispatchOptionsFromConfig(cfg), logger),
		Tokens:        service.NewTokenService(store, logger),
		Notifications: service.NewNotificationService(store),
		Auth:          service.NewAuthService(cfg),
		Feed:          broker,
		PushEnabled:   creds != nil,
	}
	srv := server.New(cfg, svc, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.WriteTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "", "bolt":
		store, err := bolt.New(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open bolt store: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := postgres.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openBroker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (realtime.Broker, error) {
	switch cfg.Realtime.Driver {
	case "", "memory":
		return realtime.NewMemoryBroker(), nil
	case "redis":
		client, err := realtime.DialRedis(ctx, cfg.Realtime.RedisAddr, cfg.Realtime.RedisPassword, cfg.Realtime.RedisDB)
		if err != nil {
			return nil, err
		}
		return realtime.NewRedisBroker(client, cfg.Realtime.ChannelPrefix, logger), nil
	default:
		return nil, fmt.Errorf("unknown realtime driver %q", cfg.Realtime.Driver)
	}
}

// pushCredentials returns nil when no service account is configured, which
// disables the push phase of every dispatch.
func pushCredentials(cfg *config.Config, logger *zap.Logger) (service.CredentialSource, error) {
	raw, err := cfg.PushCredentials()
	if err != nil {
		return nil, err
	}
	provider := credential.NewProvider(raw, credential.WithHTTPClient(&http.Client{Timeout: cfg.Push.ExchangeTimeout}))
	if provider == nil {
		logger.Warn("push credentials not configured, dispatch will only write records")
		return nil, nil
	}
	if _, err := credential.ParseServiceAccount(raw); err != nil {
		// kept: every dispatch reports credential_error until fixed
		logger.Error("push credentials are invalid", zap.Error(err))
	}
	return provider, nil
}
