// Package main is the entry point for the FormDrop HTTP server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FormDrop/internal/app"
	"github.com/dharsanguruparan/FormDrop/internal/config"
	"github.com/dharsanguruparan/FormDrop/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	core, err := app.NewCore(ctx, cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer core.Close()
	if err := core.Migrate(ctx); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	srv, err := core.NewServer(ctx)
	if err != nil {
		log.Fatalf("init server: %v", err)
	}
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server stopped")
		core.Close()
		os.Exit(1)
	}
}
