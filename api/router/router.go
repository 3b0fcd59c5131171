package router

import (
	"outreach-engine/api/handlers"
	"outreach-engine/api/middleware"
	"outreach-engine/config"
	"outreach-engine/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps carries the wired handlers the router mounts.
type Deps struct {
	Webhook *handlers.WebhookHandler
	Admin   *handlers.AdminHandler
}

func Setup(logger *logger.Logger, cfg *config.Config, deps Deps) *gin.Engine {
	router := gin.Default()

	// Initialize security middleware
	security := middleware.NewSecurityMiddleware(
		logger.Desugar(),
		cfg.Security.APIKeys,
		cfg.Security.APIKeyHeader,
	)

	// Apply global middleware
	router.Use(security.CORS())

	// Health check endpoint (no authentication required)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Metrics endpoint for Prometheus (no authentication required)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider URL validation check
	router.GET("/webhook", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"message": "Webhook endpoint is ready",
		})
	})

	// Webhook ingest: providers authenticate by signature and payload
	// shape, not API key. The handler only appends and returns.
	router.POST("/webhook", security.ValidatePayload(), deps.Webhook.HandleWebhook)

	// Collaborator/admin surface, API-key protected.
	admin := router.Group("/", security.Authenticate())
	{
		admin.POST("/campaigns", deps.Admin.CreateCampaign)
		admin.POST("/campaigns/:id/pause", deps.Admin.PauseCampaign)
		admin.POST("/campaigns/:id/resume", deps.Admin.ResumeCampaign)
		admin.POST("/campaigns/:id/enroll", deps.Admin.EnrollContact)
		admin.GET("/campaigns/:id/contacts/:cid", deps.Admin.GetContact)
		admin.PUT("/accounts/:id", deps.Admin.UpdateAccount)
	}

	logger.Desugar().Info("Router configured with security middleware",
		zap.String("api_key_header", cfg.Security.APIKeyHeader),
		zap.Int("configured_clients", len(cfg.Security.APIKeys)),
	)

	return router
}
