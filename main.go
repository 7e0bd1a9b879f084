// wikinotify watches a multi-tenant wiki's change stream and emails each
// subscriber a digest of the pages they follow, merging bursts of edits into
// one message per accumulation window.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"

	"wikinotify/broker"
	"wikinotify/compose"
	"wikinotify/config"
	"wikinotify/email"
	"wikinotify/orchestrator"
	"wikinotify/pkg/digest"
	"wikinotify/registry"
	"wikinotify/rendercache"
	"wikinotify/storage"
	"wikinotify/wikiapi"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var gcsClient *gcs.Client
	if cfg.Storage.LocalPath != "" {
		logger.Info("Using local filesystem storage", "path", cfg.Storage.LocalPath)
	} else {
		if cfg.Storage.Bucket == "" {
			return fmt.Errorf("no storage configured: set storage.bucket or storage.local_path")
		}
		gcsClient, err = gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		defer func() {
			if err := gcsClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
		logger.Info("Using Cloud Storage", "bucket", cfg.Storage.Bucket)
	}
	store := storage.New(gcsClient, cfg.Storage.Bucket, cfg.Storage.LocalPath, logger)

	wiki := wikiapi.New(cfg.Wiki.BaseURL, cfg.Wiki.APIKey, nil, logger)
	sites := &siteFallback{wiki: wiki, from: cfg.Email.FallbackFrom}
	reg := registry.New(wiki, wiki, wiki, sites, logger)

	provider, err := email.NewProvider(ctx, cfg.Email.Provider, logger)
	if err != nil {
		return fmt.Errorf("create email provider: %w", err)
	}
	logger.Info("Email provider ready", "provider", provider.Name())
	sender := email.NewSender(provider, cfg.Email.RatePerMinute, logger)

	cache := rendercache.New(cfg.RenderCacheTTL.Std(), logger)
	composer := compose.New(wiki, cache, reg, logger)
	brk := broker.New(cfg.Broker.URL, nil, logger)

	orch := orchestrator.New(orchestrator.Options{
		AccumulationWindow: cfg.AccumulationWindow.Std(),
		DeliveryTimeout:    cfg.DeliveryTimeout.Std(),
		ReconcileSchedule:  cfg.ReconcileSchedule,
		SweepSchedule:      cfg.SweepSchedule,
		Owner:              cfg.Broker.Owner,
	}, reg, store, brk, composer, sender, cache, logger)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}
	logger.Info("Service started",
		"accumulation_window", cfg.AccumulationWindow.Std().String(),
		"render_cache_ttl", cfg.RenderCacheTTL.Std().String())

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining pending digests")

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.DeliveryTimeout.Std()+10*time.Second)
	defer cancel()
	return orch.Stop(drainCtx)
}

// siteFallback fills in the configured fallback from-address for tenants
// whose site settings carry none, so their digests can still be sent.
type siteFallback struct {
	wiki *wikiapi.Client
	from string
}

func (s *siteFallback) SiteSettings(ctx context.Context, tenant digest.TenantID) (*digest.SiteInfo, error) {
	info, err := s.wiki.SiteSettings(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if info.FromAddress == "" {
		info.FromAddress = s.from
	}
	return info, nil
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
