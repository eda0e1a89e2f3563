package hub

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/hubwatch/internal/model"
	"github.com/t77yq/hubwatch/internal/transport"
)

// maxWindow bounds the sample history kept per system
const maxWindow = time.Hour

type sample struct {
	at   time.Time
	info model.SystemInfo
}

// handleStats handles host stats published by agents
func (h *Hub) handleStats(msg *nats.Msg) {
	var stats model.SystemStats
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		h.logger.Error("Failed to unmarshal system stats", zap.Error(err))
		return
	}

	// Subject format: agent.stats.<system>
	if stats.System == "" {
		stats.System = strings.TrimPrefix(msg.Subject, transport.StatsSubjectPrefix+".")
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := h.RecordStats(ctx, stats); err != nil {
		h.logger.Error("Failed to record system stats",
			zap.String("system", stats.System),
			zap.Error(err))
	}
}

// RecordStats stores the latest stats of a system, registering the system on
// first contact, and re-evaluates the system's alerts
func (h *Hub) RecordStats(ctx context.Context, stats model.SystemStats) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	system, found := h.systemByName(stats.System)
	action := model.ActionUpdate
	if !found {
		system = model.System{ID: uuid.New().String(), Name: stats.System}
		action = model.ActionCreate
		h.logger.Info("Registering new system", zap.String("system", stats.System))
	}
	if system.Status == model.SystemStatusPaused {
		return nil
	}

	system.Status = model.SystemStatusUp
	system.Info = stats.Info
	system.Updated = now
	if stats.Host != "" {
		system.Host = stats.Host
	}
	if err := save(ctx, h, h.systems, action, system); err != nil {
		return err
	}

	h.addSample(system.ID, now, stats.Info)
	return h.evaluate(ctx, system)
}

// Sweep marks systems that stopped reporting as down
func (h *Hub) Sweep(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for _, system := range h.systems.Snapshot() {
		if system.Status != model.SystemStatusUp || now.Sub(system.Updated) <= h.config.DownAfter {
			continue
		}

		system.Status = model.SystemStatusDown
		if err := save(ctx, h, h.systems, model.ActionUpdate, system); err != nil {
			h.logger.Error("Failed to mark system down", zap.String("system_id", system.ID), zap.Error(err))
			continue
		}
		h.logger.Warn("System is down",
			zap.String("system", system.Name),
			zap.Time("last_seen", system.Updated))

		if err := h.evaluate(ctx, system); err != nil {
			h.logger.Error("Failed to evaluate alerts", zap.String("system_id", system.ID), zap.Error(err))
		}
	}
}

// evaluate updates the triggered flag of every alert on system. Callers hold h.mu.
func (h *Hub) evaluate(ctx context.Context, system model.System) error {
	for _, alert := range h.alerts.Snapshot() {
		if alert.System != system.ID {
			continue
		}

		triggered := h.shouldTrigger(alert, system)
		if triggered == alert.Triggered {
			continue
		}
		alert.Triggered = triggered
		if err := save(ctx, h, h.alerts, model.ActionUpdate, alert); err != nil {
			return err
		}

		msg := "Alert resolved"
		if triggered {
			msg = "Alert triggered"
		}
		h.logger.Info(msg,
			zap.String("alert_id", alert.ID),
			zap.String("system", system.Name),
			zap.String("kind", string(alert.Name)),
			zap.Float64("threshold", alert.Value),
			zap.Int("window_min", alert.Min))
	}
	return nil
}

func (h *Hub) shouldTrigger(alert model.Alert, system model.System) bool {
	if alert.Name == model.AlertKindStatus {
		return system.Status == model.SystemStatusDown
	}
	if system.Status != model.SystemStatusUp {
		return alert.Triggered
	}

	avg, ok := h.average(system.ID, alert.Name, time.Duration(alert.Min)*time.Minute)
	if !ok {
		return alert.Triggered
	}
	return avg > alert.Value
}

// average returns the mean of kind over the samples of the last window.
// A zero window uses the latest sample only.
func (h *Hub) average(systemID string, kind model.AlertKind, window time.Duration) (float64, bool) {
	samples := h.samples[systemID]
	if len(samples) == 0 {
		return 0, false
	}
	if window <= 0 {
		return metric(kind, samples[len(samples)-1].info)
	}

	cutoff := h.now().Add(-window)
	var sum float64
	var n int
	for _, s := range samples {
		if s.at.Before(cutoff) {
			continue
		}
		v, ok := metric(kind, s.info)
		if !ok {
			return 0, false
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func (h *Hub) addSample(systemID string, at time.Time, info model.SystemInfo) {
	cutoff := at.Add(-maxWindow)
	samples := h.samples[systemID]
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	h.samples[systemID] = append(samples[i:], sample{at: at, info: info})
}

// systemByName scans the systems for name. Callers hold h.mu.
func (h *Hub) systemByName(name string) (model.System, bool) {
	for _, system := range h.systems.Snapshot() {
		if system.Name == name {
			return system, true
		}
	}
	return model.System{}, false
}

func metric(kind model.AlertKind, info model.SystemInfo) (float64, bool) {
	switch kind {
	case model.AlertKindCPU:
		return info.CPU, true
	case model.AlertKindMemory:
		return info.MemPct, true
	case model.AlertKindDisk:
		return info.DiskPct, true
	case model.AlertKindBandwidth:
		return info.Bandwidth, true
	case model.AlertKindTemperature:
		return info.Temperature, true
	default:
		return 0, false
	}
}
