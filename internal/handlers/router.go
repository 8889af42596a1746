package handlers

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/tullo/inbox/internal/alias"
	"github.com/tullo/inbox/internal/auth"
	"github.com/tullo/inbox/internal/database"
	"github.com/tullo/inbox/internal/messaging"
	"github.com/tullo/inbox/internal/metrics"
	"github.com/tullo/inbox/internal/middleware"
	"github.com/tullo/inbox/internal/repository"
)

// PresenceTracker reads and refreshes user presence.
type PresenceTracker interface {
	messaging.Presence
	middleware.PresenceToucher
}

// RouterConfig carries everything the HTTP surface needs. Presence,
// RateLimiter, Metrics and Logger are optional.
type RouterConfig struct {
	DB             *database.DB
	Aliases        *alias.Codec
	JWT            *auth.JWTService
	Presence       PresenceTracker
	RateLimiter    *middleware.RateLimiter
	Metrics        *metrics.Metrics
	Logger         *log.Logger
	AllowedOrigins []string
}

// NewRouter wires repositories, domain services and handlers onto a gin engine.
func NewRouter(cfg RouterConfig) *gin.Engine {
	var presence messaging.Presence
	var toucher middleware.PresenceToucher
	if cfg.Presence != nil {
		presence, toucher = cfg.Presence, cfg.Presence
	}

	store := messaging.NewStore(cfg.DB, cfg.Aliases, presence)
	ledger := messaging.NewLedger(cfg.DB, store)
	tracker := messaging.NewReadTracker(cfg.DB, store)

	userHandler := NewUserHandler(repository.NewUserRepository(cfg.DB), cfg.Aliases, store, cfg.Metrics)
	convHandler := NewConversationHandler(store, cfg.Metrics)
	msgHandler := NewMessageHandler(store, tracker, cfg.Metrics)
	reqHandler := NewRequestHandler(ledger, cfg.Aliases, cfg.Metrics)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	if cfg.Logger != nil {
		router.Use(middleware.RequestLogger(cfg.Logger))
	}
	router.Use(cfg.Metrics.Middleware())
	router.Use(middleware.CORSMiddleware(cfg.AllowedOrigins))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		if err := cfg.DB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	limit := func(action string) gin.HandlerFunc {
		if cfg.RateLimiter == nil {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimitMiddleware(cfg.RateLimiter, action)
	}

	// Protected routes
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(cfg.JWT, toucher))
	{
		// User routes
		api.GET("/me", userHandler.GetMe)
		api.GET("/users/:alias", userHandler.GetProfile)

		// Conversation routes
		api.GET("/conversations", convHandler.GetConversations)
		api.GET("/conversations/:id", convHandler.GetConversation)

		// Message routes
		api.GET("/conversations/:id/messages", msgHandler.GetMessages)
		api.POST("/conversations/:id/messages", limit("send_message"), msgHandler.SendMessage)
		api.POST("/conversations/:id/read", msgHandler.MarkRead)

		// Request routes
		api.GET("/conversation-requests", reqHandler.GetRequests)
		api.POST("/conversation-requests", limit("create_request"), reqHandler.CreateRequest)
		api.POST("/conversation-requests/:id/respond", reqHandler.Respond)
	}

	return router
}
