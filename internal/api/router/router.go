package router

import (
	"net/http"

	"github.com/cuongbtq/gemmie-chat/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.DBClient != nil {
			if err := deps.DBClient.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "chat-api-service",
					"error":   err.Error(),
				})
				return
			}
		}
		for name, broker := range deps.Brokers {
			if !broker.IsConnected() {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "chat-api-service",
					"error":   "rabbitmq " + name + " connection is closed",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "chat-api-service",
		})
	})

	messageHandler := handler.NewMessageHandler(deps)
	gemmieHandler := handler.NewGemmieHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		messages := v1.Group("/messages")
		{
			// POST /api/v1/messages - Send a chat message
			messages.POST("", messageHandler.CreateMessage)

			// GET /api/v1/messages - List messages with pagination
			messages.GET("", messageHandler.ListMessages)
		}

		callbacks := v1.Group("/gemmie", SignatureMiddleware(deps.SigningSecret, deps.Logger))
		{
			// POST /api/v1/gemmie/process - Scheduled response job
			callbacks.POST("/process", gemmieHandler.Process)

			// POST /api/v1/gemmie/react - Scheduled emoji reaction
			callbacks.POST("/react", gemmieHandler.React)
		}

		admin := v1.Group("/gemmie", AdminMiddleware(deps.AdminToken))
		{
			// POST /api/v1/gemmie/cancel-pending - Drop the pending response
			admin.POST("/cancel-pending", gemmieHandler.CancelPending)

			// POST /api/v1/gemmie/cleanup-orphans - Sweep a stale pending record
			admin.POST("/cleanup-orphans", gemmieHandler.CleanupOrphans)
		}
	}

	return r
}
