package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/carmarket/auction-ingestion-service/internal/config"
	"github.com/carmarket/auction-ingestion-service/internal/fetch"
	"github.com/carmarket/auction-ingestion-service/internal/ingestion"
	"github.com/carmarket/auction-ingestion-service/internal/logging"
	"github.com/carmarket/auction-ingestion-service/internal/server"
	"github.com/carmarket/auction-ingestion-service/internal/storage"
)

func main() {
	// Optional .env overlay for local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	log := logging.New(cfg.Logging)

	backend, err := storage.New(cfg.Storage)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize storage")
	}
	defer backend.Close()

	// The validator cache lives next to the stored sources so a restart
	// picks up where the last crawl left off.
	cache := fetch.NewValidatorCache(filepath.Join(cfg.Storage.DataDir, ".crawl_cache.json"))
	fetcher := fetch.NewFetcher(cfg.Crawl.Timeout, cfg.Crawl.UserAgent, cache, log.WithField("component", "fetch"))

	ingestor := ingestion.NewService(cfg.Crawl, fetcher, backend, cfg.Storage.HistoryEnabled, log.WithField("component", "ingestion"))
	httpServer := server.NewServer(cfg.Server, backend, ingestor, log.WithField("component", "server"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.WithField("port", cfg.Server.Port).Info("starting HTTP server")
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server error")
		}
	}()

	go func() {
		log.WithFields(logrus.Fields{
			"storage":  cfg.Storage.Type,
			"interval": cfg.Crawl.Interval.String(),
		}).Info("starting auction ingestion service")
		if err := ingestor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("ingestion service error")
		}
	}()

	<-sigChan
	log.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown error")
	}

	cancel()
	log.Info("shutdown complete")
}
