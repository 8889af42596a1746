package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/tullo/inbox/config"
	"github.com/tullo/inbox/internal/alias"
	"github.com/tullo/inbox/internal/auth"
	"github.com/tullo/inbox/internal/cache"
	"github.com/tullo/inbox/internal/database"
	"github.com/tullo/inbox/internal/handlers"
	"github.com/tullo/inbox/internal/metrics"
	"github.com/tullo/inbox/internal/middleware"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", "err", err)
	}

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if level, err := log.ParseLevel(cfg.Server.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log.SetDefault(logger)

	// Connect to database
	db, err := database.Open(cfg.Database.Driver, cfg.GetDSN())
	if err != nil {
		log.Fatal("Failed to connect to database", "driver", cfg.Database.Driver, "err", err)
	}
	defer db.Close()

	// Run migrations
	log.Info("Running database migrations...")
	if err := database.RunMigrations(ctx, db); err != nil {
		log.Fatal("Failed to run migrations", "err", err)
	}
	log.Info("Migrations completed successfully")

	aliases, err := alias.New(cfg.Alias.Secret)
	if err != nil {
		log.Fatal("Failed to set up aliases", "err", err)
	}

	// Connect to Redis
	var presence handlers.PresenceTracker
	var buckets middleware.BucketStore
	redis, err := cache.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Warn("Running without Redis: presence is disabled and rate limits are per process", "err", err)
	} else {
		defer redis.Close()
		presence, buckets = redis, redis
	}

	m := metrics.New()
	m.WatchDB(db.DB)

	rateLimiter := middleware.NewRateLimiter(cfg.API.RateLimitMessagesPerSec, buckets)
	rateLimiter.OnReject(m.RateLimited)
	rateLimiter.Cleanup(ctx)

	// Setup Gin router
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		DB:             db,
		Aliases:        aliases,
		JWT:            auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours),
		Presence:       presence,
		RateLimiter:    rateLimiter,
		Metrics:        m,
		Logger:         logger.WithPrefix("http"),
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Graceful shutdown failed", "err", err)
		}
	}()

	// Start server
	log.Info("Starting inbox server", "addr", srv.Addr, "env", cfg.Server.Env, "driver", db.Driver)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("Failed to start server", "err", err)
	}
	log.Info("Server stopped")
}
