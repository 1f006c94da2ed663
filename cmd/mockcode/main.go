// Package main runs the mock agent server as a standalone binary. Point the
// orchestrator (or curl) at it during local development instead of
// installing a real agent runtime in a sandbox.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/logger"
	"github.com/ralphd/ralphd/internal/mockcode"
)

func main() {
	var (
		addr          = flag.String("addr", ":4096", "listen address")
		password      = flag.String("password", "", "require opencode basic auth with this password")
		completeAfter = flag.Int("complete-after", 3, "prompts before the default script replies with the completion marker")
		stepDelay     = flag.Duration("step-delay", 150*time.Millisecond, "pause between scenario steps")
		heartbeat     = flag.Duration("heartbeat", 5*time.Second, "server.heartbeat cadence on /event")
		logLevel      = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  *logLevel,
		Format: "text",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	srv := mockcode.New(mockcode.Config{
		Password:  *password,
		Heartbeat: *heartbeat,
		StepDelay: *stepDelay,
	}, mockcode.DefaultScript(*completeAfter), log)

	server := &http.Server{
		Addr:    *addr,
		Handler: srv.Handler(),
	}

	go func() {
		log.Info("mock agent server listening",
			zap.String("addr", *addr),
			zap.Int("complete_after", *completeAfter))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down mock agent server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
}
