package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	httpserver "blsm/internal/http"
	"blsm/pkg/blsm"
	"blsm/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "blsm.yaml", "path to config file")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	collector := metrics.NewInMemory()
	engine, err := blsm.Open(blsm.Options{
		DataDir:            cfg.Store.DataDir,
		MaxC0Size:          cfg.Store.MaxC0SizeBytes,
		InternalRegionSize: cfg.Store.InternalRegionSize,
		DatapageRegionSize: cfg.Store.DatapageRegionSize,
		DatapageSize:       cfg.Store.DatapageSize,
		LogMode:            cfg.Store.LogMode,
		MergeRate:          cfg.Store.MergeRateBytes,
		Expiry:             cfg.Store.ExpiryTicks,
		PageCachePages:     cfg.Store.PageCachePages,
		Collector:          collector,
	})
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	scheduler := blsm.NewMergeScheduler(engine)
	scheduler.Start()

	server := httpserver.NewServer(engine, cfg.Server.Port)
	go func() {
		if err := server.Start(); err != nil {
			slog.Error("http server failed", "error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("shutting down")
	if err := server.Stop(); err != nil {
		slog.Warn("http shutdown failed", "error", err)
	}
	if err := scheduler.Shutdown(); err != nil {
		slog.Warn("store shutdown failed", "error", err)
	}
}
