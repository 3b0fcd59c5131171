package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outreach-engine/config"
	"outreach-engine/internal/correlate"
	"outreach-engine/internal/dispatch"
	"outreach-engine/internal/queue"
	"outreach-engine/internal/ratelimit"
	"outreach-engine/internal/sequence"
	"outreach-engine/internal/signer"
	"outreach-engine/internal/storage"
	"outreach-engine/pkg/logger"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger := logger.NewLogger(cfg.LogLevel)

	// Initialize MongoDB connection
	db, err := storage.NewMongoDB(cfg.MongoDB.URI, cfg.MongoDB.Database, cfg.Dispatch.CommandRetention, logger.Desugar())
	if err != nil {
		logger.Fatalf("Failed to connect to MongoDB: %v", err)
	}

	// Initialize RabbitMQ
	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger.Desugar())
	if err != nil {
		logger.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer rabbit.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The sequence machine runs inside whichever component raises a
	// trigger; it is shared by the dispatcher and the correlator.
	machine := sequence.NewMachine(db, logger.Desugar())

	// Dispatcher pool: one worker per account through the rate limiter
	// and the signed client.
	client := signer.NewClient(cfg.Provider.BaseURL, cfg.Provider.RequestTimeout, logger.Desugar())
	limiter := ratelimit.NewLimiter()
	policy := dispatch.Policy{
		Base:        cfg.Dispatch.RetryBase,
		Cap:         cfg.Dispatch.RetryCap,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
	}
	dispatcher := dispatch.NewDispatcher(db, client, limiter, machine, policy, cfg.Dispatch.PollInterval, logger.Desugar())
	pool := dispatch.NewPool(db, dispatcher, machine, cfg.Dispatch.WorkerCeiling, cfg.Dispatch.DispatchSLA, logger.Desugar())
	go pool.Run(ctx)

	// Correlator: per-account consumers, the flush-timeout sweeper and
	// the replayer for events that never made it through the pipeline.
	correlator := correlate.NewCorrelator(db, machine, logger.Desugar())
	consumer := correlate.NewConsumer(rabbit, db, correlator, policy, logger.Desugar())
	go consumer.Run(ctx)
	go correlator.RunSweeper(ctx, cfg.Correlator.FlushTimeout, cfg.Correlator.SweepInterval)

	replayer := correlate.NewReplayer(db, rabbit, logger.Desugar())
	go replayer.Run(ctx, cfg.Correlator.ReplayAge, cfg.Correlator.SweepInterval)

	logger.Info("Worker started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Worker shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := db.Close(shutdownCtx); err != nil {
		logger.Errorf("Failed to close MongoDB: %v", err)
	}
}
