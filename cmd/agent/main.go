package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/t77yq/hubwatch/internal/config"
	"github.com/t77yq/hubwatch/internal/logging"
	"github.com/t77yq/hubwatch/internal/monitor"
	"github.com/t77yq/hubwatch/internal/transport"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "agent")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	nc, err := transport.Connect(transport.ConnectConfig{
		URL:            cfg.NATS.URL,
		Name:           cfg.App.Name + "-agent-" + cfg.Agent.SystemName,
		MaxReconnects:  cfg.NATS.MaxReconnects,
		ReconnectWait:  cfg.NATS.ReconnectWait,
		ConnectTimeout: cfg.NATS.ConnectTimeout,
		ConnectRetries: cfg.NATS.ConnectRetries,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	var containers monitor.ContainerCounter
	if cfg.Agent.Docker {
		probe, err := monitor.NewDockerProbe()
		if err != nil {
			logger.Warn("Container counting disabled", zap.Error(err))
		} else {
			defer probe.Close()
			containers = probe
		}
	}

	agent := monitor.NewAgent(nc, monitor.NewHostCollector(cfg.Agent.DiskPath, containers, logger), monitor.AgentConfig{
		SystemName: cfg.Agent.SystemName,
		Host:       cfg.Agent.Host,
		Schedule:   cfg.Agent.Schedule,
		Version:    version,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := agent.Start(ctx); err != nil {
		logger.Fatal("Failed to start agent", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	agent.Stop()
	if err := nc.Drain(); err != nil {
		logger.Warn("Failed to drain NATS connection", zap.Error(err))
	}
}
