package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/driftgate/driftgate/pkg/config"
	"github.com/driftgate/driftgate/pkg/store"
	"github.com/driftgate/driftgate/pkg/utils"
)

func main() {
	utils.InitLogger()
	logger := utils.GetLogger()

	if path, err := config.EnsureDefaultConfig(); err != nil {
		logger.Warn("could not write default config", "path", path, "error", err)
	}
	cfg, path, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	logger.Info("config loaded", "path", path, "host", cfg.Host(), "port", cfg.Port())

	st, err := store.NewFileStore(cfg.DataDirectory())
	if err != nil {
		logger.Error("failed to open data directory", "dir", cfg.DataDirectory(), "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Info("shutdown signal received")
		cancel()
	}()

	server := NewServer(cfg, st)
	if err := server.Start(ctx); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
}
