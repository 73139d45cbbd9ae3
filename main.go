package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/medialens/tweet-harvest-service/common/config"
	"github.com/medialens/tweet-harvest-service/common/constants"
	"github.com/medialens/tweet-harvest-service/common/crawler"
	"github.com/medialens/tweet-harvest-service/common/db"
	"github.com/medialens/tweet-harvest-service/common/lock"
	"github.com/medialens/tweet-harvest-service/common/messaging"
	"github.com/medialens/tweet-harvest-service/common/storage"
	"github.com/medialens/tweet-harvest-service/common/supervisor"
	"github.com/medialens/tweet-harvest-service/common/work"
	"github.com/medialens/tweet-harvest-service/common/worker"
	"github.com/medialens/tweet-harvest-service/workers/crawlworker"
	"github.com/medialens/tweet-harvest-service/workers/dbworker"
)

func main() {
	// INITIATE CONFIGURATION
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("Error loading .env file, using environment variables")
	}

	cfg := config.DefaultConfig()
	cfg.LoadFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// INITIATE DATABASES
	dbConn, err := db.SetupDatabase(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup database")
	}
	defer dbConn.Close()

	// INITIATE NATS BROKER
	broker, err := messaging.NewNatsBroker(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to setup NATS broker")
	}
	defer broker.Close()

	// Downstream and compensation subjects publish into one stream.
	if _, err := broker.EnsureStream(ctx, constants.DataGatheringStream, []string{constants.SubjectDataGathering, constants.SubjectCompensation}); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data gathering stream")
	}

	// INITIATE CRAWL DRIVER
	driverCfg := crawler.DefaultConfig()
	if margin := cfg.Crawl.LockTTL - time.Minute; margin > 0 && driverCfg.RequestTimeout >= cfg.Crawl.LockTTL {
		// The per-range crawl must finish before the lock expires.
		driverCfg.RequestTimeout = margin
	}
	driver := crawler.NewRodCrawler(driverCfg)
	if err := driver.Setup(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to setup crawl driver")
	}
	defer func() {
		if err := driver.Teardown(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to tear down crawl driver")
		}
	}()

	// INITIATE BATCH ARCHIVE
	pool, err := work.NewPool(4, 64)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create upload pool")
	}
	pool.Start(ctx, "archive-pool")
	defer pool.Stop()

	var archiver *storage.Archiver
	if cfg.GCS.Bucket != "" {
		gcsStorage, err := storage.NewGCSStorage(ctx, storage.GCSConfig{
			ProjectID:       cfg.GCS.ProjectID,
			CredentialsFile: cfg.GCS.CredentialsFile,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to setup GCS storage")
		}
		archiver = storage.NewArchiver(gcsStorage, cfg.GCS.Bucket, pool)
	}

	// INITIATE SUPERVISOR
	locks := lock.NewManager(dbConn.Redis, cfg.Crawl.LockTTL)
	gateway := messaging.NewGateway(broker)
	correlator := crawlworker.NewCorrelator()

	registry := worker.NewRegistry()
	if err := registry.Register(constants.CrawlWorkerName, func() (worker.Worker, error) {
		return crawlworker.New(locks, driver, correlator, crawlworker.Options{
			TargetCount: cfg.Crawl.TargetCount,
		}), nil
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register crawl worker")
	}
	if err := registry.Register(constants.DBWorkerName, func() (worker.Worker, error) {
		return dbworker.New(dbConn.Queries, archiver), nil
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register db worker")
	}
	if err := registry.Register(constants.BrokerGatewayName, func() (worker.Worker, error) {
		return gateway, nil
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register broker gateway")
	}

	sup, err := supervisor.New(cfg.Crawl, registry,
		supervisor.ClassConfig{Name: constants.CrawlWorkerName, Count: cfg.Crawl.CrawlWorkerCount},
		supervisor.ClassConfig{Name: constants.DBWorkerName, Count: cfg.Crawl.DBWorkerCount},
		supervisor.ClassConfig{Name: constants.BrokerGatewayName, Count: 1},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build supervisor")
	}

	if err := sup.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start supervisor")
	}
	defer sup.Stop()

	// Broker outages restart the gateway class; the NATS client
	// reconnects underneath.
	broker.OnConnectionDown(func(err error) {
		log.Warn().Err(err).Msg("Broker connection down")
		sup.RestartClass(constants.BrokerGatewayName)
	})

	if err := gateway.StartConsuming(ctx, broker, sup.Dispatch); err != nil {
		log.Fatal().Err(err).Msg("Failed to start consuming project jobs")
	}
	defer gateway.StopConsuming()

	// INITIATE SERVER
	server, err := NewAppHttpServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create the server")
	}

	server.SetDB(dbConn)
	server.SetSupervisor(sup)
	server.setupRoute()

	go func() {
		if err := server.start(); err != nil {
			log.Error().Err(err).Msg("Server error")
			cancel()
		}
	}()

	log.Info().Str("address", cfg.Listen.Addr()).Msg("Service started successfully")

	// Wait for shutdown signal
	select {
	case <-shutdown:
		log.Info().Msg("Shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}

	log.Info().Msg("Service gracefully stopped")
}
