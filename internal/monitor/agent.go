// Package monitor implements the agent that samples a host and reports its
// stats to the hub.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/hubwatch/internal/model"
	"github.com/t77yq/hubwatch/internal/schedule"
	"github.com/t77yq/hubwatch/internal/transport"
)

const reportTimeout = 30 * time.Second

// AgentConfig configures an agent
type AgentConfig struct {
	SystemName string
	Host       string
	Schedule   string
	Version    string
}

// Agent publishes the stats of its host on a schedule
type Agent struct {
	logger    *zap.Logger
	nc        *nats.Conn
	collector Collector
	config    AgentConfig
	cron      *cron.Cron
	now       func() time.Time
}

// NewAgent creates an agent
func NewAgent(nc *nats.Conn, collector Collector, config AgentConfig, logger *zap.Logger) *Agent {
	return &Agent{
		logger:    logger.Named("agent").With(zap.String("system", config.SystemName)),
		nc:        nc,
		collector: collector,
		config:    config,
		now:       time.Now,
	}
}

// Start reports once and then on every tick of the schedule
func (a *Agent) Start(ctx context.Context) error {
	if a.config.SystemName == "" {
		return fmt.Errorf("system name is required")
	}

	if err := a.Report(ctx); err != nil {
		a.logger.Warn("Initial report failed", zap.Error(err))
	}

	a.cron = schedule.New(a.logger)
	if _, err := a.cron.AddFunc(a.config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := a.Report(ctx); err != nil {
			a.logger.Error("Failed to report stats", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule reports: %w", err)
	}
	a.cron.Start()

	a.logger.Info("Agent started", zap.String("schedule", a.config.Schedule))
	return nil
}

// Stop stops the schedule and waits for a running report
func (a *Agent) Stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
		a.cron = nil
	}
	a.logger.Info("Agent stopped")
}

// Report collects the host metrics and publishes them
func (a *Agent) Report(ctx context.Context) error {
	info, err := a.collector.Collect(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect metrics: %w", err)
	}
	info.AgentVersion = a.config.Version

	data, err := json.Marshal(model.SystemStats{
		System:      a.config.SystemName,
		Host:        a.config.Host,
		Info:        info,
		CollectedAt: a.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	if err := a.nc.Publish(transport.StatsSubject(a.config.SystemName), data); err != nil {
		return fmt.Errorf("failed to publish stats: %w", err)
	}

	a.logger.Debug("Stats reported",
		zap.Float64("cpu", info.CPU),
		zap.Float64("memory", info.MemPct),
		zap.Float64("disk", info.DiskPct))
	return nil
}
