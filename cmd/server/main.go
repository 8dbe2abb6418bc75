// Command server is the grading engine's HTTP entrypoint: it wires config,
// persistence, the plugin registry, the session engine, and the REST/push
// channel adapters together and serves them over gin. main does nothing
// but construct and connect; every package is designed to be assembled
// here, never self-wiring.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamspace/gradeflow/internal/apperrors"
	"github.com/streamspace/gradeflow/internal/config"
	"github.com/streamspace/gradeflow/internal/handlers"
	"github.com/streamspace/gradeflow/internal/middleware"
	"github.com/streamspace/gradeflow/internal/persistence"
	"github.com/streamspace/gradeflow/internal/pluginregistry"
	"github.com/streamspace/gradeflow/internal/sessionmgr"
	"github.com/streamspace/gradeflow/internal/sessionrunner"
	"github.com/streamspace/gradeflow/internal/sessionstore"
	"github.com/streamspace/gradeflow/internal/sweep"
)

func main() {
	cfg := config.FromEnv()

	gateway, err := persistence.Open(persistence.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		log.Fatalf("persistence: %v", err)
	}
	defer gateway.Close()

	if err := gateway.Migrate(); err != nil {
		log.Fatalf("persistence: migrate: %v", err)
	}

	// Plugins are added with registry.Register before the server starts.
	// There is no discovery from disk, and this binary registers none of
	// its own.
	registry := pluginregistry.New()

	store := sessionstore.New(cfg.LogBufferSize)
	runner := sessionrunner.New(gateway, registry, store, cfg.Parallelism, cfg.PluginCallTimeout, cfg.LogPersistence)
	manager := sessionmgr.New(runner, store, cfg.CourseSessionRateLimit, cfg.CourseSessionBurst)

	sweeper := sweep.New(store, gateway, cfg.SessionEvictGrace)
	if err := sweeper.Start(cfg.SessionSweepCron); err != nil {
		log.Fatalf("sweep: %v", err)
	}
	defer sweeper.Stop()

	router := buildRouter(manager, cfg)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		log.Printf("[server] listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	waitForShutdown(srv, manager)
}

func buildRouter(manager *sessionmgr.Manager, cfg config.Config) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.StructuredLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(apperrors.Recovery())
	router.Use(apperrors.ErrorHandler())

	limiter := middleware.NewRateLimiter(cfg.HTTPRateLimit, cfg.HTTPRateBurst)
	router.Use(limiter.Middleware())

	router.Use(middleware.Timeout(middleware.DefaultTimeoutConfig()))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	handlers.NewSessionHandler(manager).RegisterRoutes(v1)

	return router
}

// waitForShutdown blocks until SIGINT/SIGTERM, then drains in-flight HTTP
// requests, cancels every session the manager is currently driving, and
// waits (bounded by the deadline) for them to record a terminal run state
// before returning.
func waitForShutdown(srv *http.Server, manager *sessionmgr.Manager) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[server] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[server] forced shutdown: %v", err)
	}
	manager.Shutdown(ctx)
}
