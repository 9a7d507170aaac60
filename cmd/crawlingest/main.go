// Package main wires together the crawl-event ingestion service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/classpilot/crawlingest/internal/api"
	"github.com/classpilot/crawlingest/internal/clock/system"
	"github.com/classpilot/crawlingest/internal/config"
	"github.com/classpilot/crawlingest/internal/consumer"
	"github.com/classpilot/crawlingest/internal/crawlapi"
	"github.com/classpilot/crawlingest/internal/logging"
	"github.com/classpilot/crawlingest/internal/materialize"
	"github.com/classpilot/crawlingest/internal/metrics"
	"github.com/classpilot/crawlingest/internal/normalize"
	"github.com/classpilot/crawlingest/internal/realtime"
	"github.com/classpilot/crawlingest/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewChatStore(ctx, postgres.ChatStoreConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxOpenConns),
	})
	if err != nil {
		logger.Fatal("chat store init failed", zap.Error(err))
	}
	defer store.Close()

	hub := realtime.NewHub(realtime.HubConfig{
		WriteTimeout: cfg.Realtime.WriteTimeout(),
		SendBuffer:   cfg.Realtime.SendBuffer,
	}, logger.Named("realtime"))
	defer hub.Close()

	statusAPI := crawlapi.NewClient(cfg.CrawlerAPI.BaseURL, cfg.CrawlerAPI.Timeout())
	normalizeService := normalize.NewHTTPService(cfg.Normalizer.BaseURL, cfg.Normalizer.Timeout())
	dispatcher := normalize.NewDispatcher(normalize.DispatcherConfig{
		QueueDepth:  cfg.Normalizer.QueueDepth,
		TaskTimeout: cfg.Normalizer.Timeout(),
	}, normalizeService, logger.Named("normalize"))

	materializer := materialize.New(
		store,
		statusAPI,
		hub,
		dispatcher,
		system.New(),
		logger.Named("materialize"),
	)

	consume := consumer.New(
		consumer.Config{WarmupDelay: cfg.Kafka.WarmupDelay()},
		consumer.NewKafkaReaderFactory(cfg.Kafka),
		store,
		hub,
		materializer,
		logger.Named("consumer"),
	)

	apiServer := api.NewServer(hub, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consume.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-consumerDone
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("normalize dispatcher shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
