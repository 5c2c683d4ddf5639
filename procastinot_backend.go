package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"procastinot-backend/config"
	"procastinot-backend/container"
)

func main() {
	configPath := flag.String("config", os.Getenv("PROCASTINOT_CONFIG"), "path to an optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize dependency container
	c, err := container.NewContainer(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize services")
	}
	log := c.Log

	if cfg.Scheduler.Enabled {
		if err := c.Scheduler.Start(ctx); err != nil {
			log.WithError(err).Fatal("Failed to start scheduler")
		}
	} else {
		log.Warn("Scheduler disabled, sweeps only run when triggered through /api/sweeps")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).Info("ProcastiNot backend listening")
		log.Infof("Health check available at: http://localhost:%d/health", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down ProcastiNot backend...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to gracefully shutdown HTTP server")
	}
	if err := c.Close(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to release resources")
	}
	log.Info("ProcastiNot backend stopped")
}
