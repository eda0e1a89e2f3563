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
	"github.com/t77yq/hubwatch/internal/dashboard"
	"github.com/t77yq/hubwatch/internal/derive"
	"github.com/t77yq/hubwatch/internal/logging"
	"github.com/t77yq/hubwatch/internal/model"
	"github.com/t77yq/hubwatch/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "dashboard")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

// run mounts the dashboard and logs the active alerts on every change until ctx is done
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	nc, err := transport.Connect(transport.ConnectConfig{
		URL:            cfg.NATS.URL,
		Name:           cfg.App.Name + "-dashboard",
		MaxReconnects:  cfg.NATS.MaxReconnects,
		ReconnectWait:  cfg.NATS.ReconnectWait,
		ConnectTimeout: cfg.NATS.ConnectTimeout,
		ConnectRetries: cfg.NATS.ConnectRetries,
	}, logger)
	if err != nil {
		logger.Error("Failed to connect to NATS", zap.Error(err))
		return err
	}
	defer nc.Close()

	client := transport.New(nc, cfg.NATS.RequestTimeout, logger)
	d := dashboard.New(dashboard.NewStores(logger), client, client, logger)
	defer d.Close()

	// coalesce change signals for the render loop
	render := make(chan struct{}, 1)
	d.OnActiveAlertsChange(func() {
		select {
		case render <- struct{}{}:
		default:
		}
	})

	if err := d.Mount(ctx); err != nil {
		logger.Error("Dashboard unavailable", zap.Any("status", d.Status()), zap.Error(err))
		return err
	}

	for {
		select {
		case <-render:
			printActiveAlerts(logger, d)
		case <-ctx.Done():
			logger.Info("Shutting down dashboard")
			return nil
		}
	}
}

func printActiveAlerts(logger *zap.Logger, d *dashboard.Dashboard) {
	active := d.ActiveAlerts()
	systems, _ := d.Snapshot(model.CollectionSystems)
	logger.Info("Active alerts",
		zap.Int("count", len(active)),
		zap.Int("systems", len(systems)))
	for _, alert := range active {
		logger.Info(derive.Describe(alert, model.AlertKinds),
			zap.String("alert_id", alert.ID),
			zap.Bool("system_known", alert.HasResolvedSystem()))
	}
}
