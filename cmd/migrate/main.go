// Command migrate creates the challenge, notification log and reminder tables for the configured
// store and exits.
package main

import (
	"context"
	"flag"
	"os"
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
	log, err := container.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}
	if cfg.Store.Driver == config.DriverMemory {
		log.Warn("STORE_DRIVER is memory, nothing to migrate")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	s, err := container.OpenStore(ctx, cfg.Store)
	if err != nil {
		log.WithError(err).Fatal("Database migration failed")
	}
	s.Close()
	log.WithField("driver", cfg.Store.Driver).Info("Database migration completed")
}
