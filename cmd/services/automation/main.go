package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loanflow-go/internal/automation/server"
	"github.com/loanflow-go/pkg/config"
	"github.com/loanflow-go/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load("automation-worker")
	if err != nil {
		panic(err)
	}

	// Initialize logger
	log := logger.New(cfg.Logger.ToLoggerConfig())
	defer logger.Sync(log)

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to create server", "error", err)
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("Server failed", "error", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down automation worker...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Automation worker exited")
}
