// Package main is the entry point for ralphd. One binary runs the whole
// daemon: sandbox drivers, the preparation pipeline, the iteration
// coordinator, and the HTTP/streaming API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/config"
	"github.com/ralphd/ralphd/internal/common/httpmw"
	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/coordinator"
	coordinatorapi "github.com/ralphd/ralphd/internal/coordinator/api"
	"github.com/ralphd/ralphd/internal/events"
	"github.com/ralphd/ralphd/internal/persistence"
	"github.com/ralphd/ralphd/internal/pipeline"
	"github.com/ralphd/ralphd/internal/runlog"
	"github.com/ralphd/ralphd/internal/sandbox/docker"
	"github.com/ralphd/ralphd/internal/sandbox/driver"
	"github.com/ralphd/ralphd/internal/sandbox/sprites"
	"github.com/ralphd/ralphd/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting ralphd...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Notification bus (in-memory, or NATS when configured)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 4. Persistence (noop unless a driver is configured)
	store, err := persistence.Provide(cfg.Persistence, log)
	if err != nil {
		log.Fatal("Failed to initialize persistence", zap.Error(err))
	}
	defer store.Close()

	// 5. Sandbox drivers - register what is configured and reachable
	var drivers []driver.Driver
	if cfg.Docker.Enabled {
		dockerDriver, err := docker.New(cfg.Docker, log)
		if err != nil {
			log.Warn("Failed to initialize Docker driver - docker provider disabled", zap.Error(err))
		} else if err := dockerDriver.Ping(ctx); err != nil {
			log.Warn("Docker daemon not available - docker provider disabled", zap.Error(err))
			_ = dockerDriver.Close()
		} else {
			log.Info("Connected to Docker daemon")
			drivers = append(drivers, dockerDriver)
		}
	}
	if cfg.Sprites.Token != "" {
		spritesDriver, err := sprites.New(cfg.Sprites, log)
		if err != nil {
			log.Warn("Failed to initialize Sprites driver - sprites provider disabled", zap.Error(err))
		} else {
			log.Info("Sprites driver configured")
			drivers = append(drivers, spritesDriver)
		}
	}
	if len(drivers) == 0 {
		log.Warn("No sandbox providers available - start requests will be rejected")
	}

	gateway := driver.NewGateway(log, driver.DefaultOpTimeouts(), drivers...)
	defer gateway.Close()

	profiles, err := driver.LoadProfiles()
	if err != nil {
		log.Fatal("Failed to load provider profiles", zap.Error(err))
	}

	// 6. Run event log and preparation pipeline
	eventLog := runlog.New(log)
	prepPipeline := pipeline.New(pipeline.Deps{
		Gateway:  gateway,
		Profiles: profiles,
		Events:   eventLog,
		Store:    store,
		Logger:   log,
	})

	// 7. Coordinator
	svc := coordinator.NewService(coordinator.Deps{
		Config:   cfg,
		Gateway:  gateway,
		Pipeline: prepPipeline,
		Events:   eventLog,
		Store:    store,
		Bus:      provided.Bus,
		Logger:   log,
	})
	if err := svc.Start(ctx); err != nil {
		log.Fatal("Failed to start coordinator", zap.Error(err))
	}

	// 8. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "ralphd"))
	router.Use(httpmw.OtelTracing("ralphd"))
	router.Use(corsMiddleware())

	coordinatorapi.SetupRoutes(router.Group("/api/v1"), svc, log)

	// Health check (simple HTTP for load balancers/monitoring)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "ralphd",
		})
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("health", "/health"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down ralphd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error("Coordinator stop error", zap.Error(err))
	}

	eventLog.Close()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("ralphd stopped")
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
