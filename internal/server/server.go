package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"outreach-engine/api/handlers"
	"outreach-engine/api/router"
	"outreach-engine/config"
	"outreach-engine/internal/queue"
	"outreach-engine/internal/sequence"
	"outreach-engine/internal/storage"
	"outreach-engine/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the ingest/admin binary: webhook endpoint, collaborator
// API and the metrics listener. Dispatching and correlation run in the
// worker binary.
type Server struct {
	httpServer    *http.Server
	metricsServer *http.Server
	logger        *logger.Logger
	publisher     queue.Publisher
	db            *storage.MongoDB
}

func NewServer(cfg *config.Config, logger *logger.Logger) *Server {
	db, err := storage.NewMongoDB(cfg.MongoDB.URI, cfg.MongoDB.Database, cfg.Dispatch.CommandRetention, logger.Desugar())
	if err != nil {
		logger.Fatalf("failed to connect to mongodb: %v", err)
	}

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger.Desugar())
	if err != nil {
		logger.Fatalf("failed to create rabbitmq publisher: %v", err)
	}

	machine := sequence.NewMachine(db, logger.Desugar())

	deps := router.Deps{
		Webhook: handlers.NewWebhookHandler(logger.Desugar(), rabbit, db, rabbit),
		Admin:   handlers.NewAdminHandler(logger.Desugar(), db, machine),
	}
	r := router.Setup(logger, cfg, deps)

	// Create metrics server
	metricsAddr := fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort)
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: r,
		},
		metricsServer: metricsServer,
		logger:        logger,
		publisher:     rabbit,
		db:            db,
	}
}

func (s *Server) Start() error {
	// Start metrics server in a goroutine
	go func() {
		s.logger.Info("Metrics server starting on port " + s.metricsServer.Addr)
		if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("metrics server error: %v", err)
		}
	}()

	// Start main HTTP server
	s.logger.Info("Server starting on port " + s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown() error {
	s.logger.Info("Server shutting down")
	if err := s.publisher.Close(); err != nil {
		s.logger.Error("failed to close publisher", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.Close(ctx); err != nil {
		s.logger.Error("failed to close mongodb", zap.Error(err))
	}
	return s.httpServer.Shutdown(ctx)
}
