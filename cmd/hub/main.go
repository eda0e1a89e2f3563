package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/hubwatch/internal/broker"
	"github.com/t77yq/hubwatch/internal/config"
	"github.com/t77yq/hubwatch/internal/hub"
	"github.com/t77yq/hubwatch/internal/logging"
	"github.com/t77yq/hubwatch/internal/storage"
	"github.com/t77yq/hubwatch/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "hub")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	natsURL := cfg.NATS.URL
	if cfg.NATS.Embedded.Enabled {
		s, err := broker.Start(broker.Config{
			Host:     cfg.NATS.Embedded.Host,
			Port:     cfg.NATS.Embedded.Port,
			StoreDir: cfg.NATS.Embedded.StoreDir,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to start embedded NATS server", zap.Error(err))
		}
		defer s.Shutdown()
		natsURL = s.ClientURL()
	}

	nc, err := transport.Connect(transport.ConnectConfig{
		URL:            natsURL,
		Name:           cfg.App.Name + "-hub",
		MaxReconnects:  cfg.NATS.MaxReconnects,
		ReconnectWait:  cfg.NATS.ReconnectWait,
		ConnectTimeout: cfg.NATS.ConnectTimeout,
		ConnectRetries: cfg.NATS.ConnectRetries,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	js, err := nc.JetStream(nats.MaxWait(cfg.NATS.RequestTimeout))
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	if dir := filepath.Dir(cfg.Hub.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("Failed to create database directory", zap.Error(err))
		}
	}
	records, err := storage.NewSQLiteRecords(logger, cfg.Hub.DBPath)
	if err != nil {
		logger.Fatal("Failed to open record storage", zap.Error(err))
	}
	defer records.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.New(nc, js, records, hub.Config{
		DownAfter:     cfg.Hub.DownAfter,
		SweepSchedule: cfg.Hub.SweepSchedule,
	}, logger)
	if err := h.Start(ctx); err != nil {
		logger.Fatal("Failed to start hub", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	h.Stop()
	if err := nc.FlushTimeout(5 * time.Second); err != nil {
		logger.Warn("Failed to flush pending events", zap.Error(err))
	}
	logger.Info("Hub shut down gracefully")
}
