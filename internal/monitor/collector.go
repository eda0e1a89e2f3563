package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"

	"github.com/t77yq/hubwatch/internal/model"
)

const bytesPerMB = 1024 * 1024

// Collector samples the metrics of the local host
type Collector interface {
	Collect(ctx context.Context) (model.SystemInfo, error)
}

// ContainerCounter reports how many containers are running on the host
type ContainerCounter interface {
	CountContainers(ctx context.Context) (int, error)
}

// HostCollector collects host metrics with gopsutil
type HostCollector struct {
	logger     *zap.Logger
	diskPath   string
	containers ContainerCounter

	mu       sync.Mutex
	netBytes uint64
	netAt    time.Time
}

// NewHostCollector creates a collector reporting disk usage of diskPath.
// containers may be nil.
func NewHostCollector(diskPath string, containers ContainerCounter, logger *zap.Logger) *HostCollector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostCollector{
		logger:     logger.Named("collector"),
		diskPath:   diskPath,
		containers: containers,
	}
}

// Collect samples cpu, memory, disk, bandwidth, temperature and uptime.
// Temperature and container count are best effort.
func (c *HostCollector) Collect(ctx context.Context) (model.SystemInfo, error) {
	var info model.SystemInfo

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return info, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(cpuPercent) > 0 {
		info.CPU = round2(cpuPercent[0])
	}

	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return info, fmt.Errorf("failed to get CPU count: %w", err)
	}
	info.Cores = cores

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("failed to get memory usage: %w", err)
	}
	info.MemPct = round2(memInfo.UsedPercent)

	usage, err := disk.UsageWithContext(ctx, c.diskPath)
	if err != nil {
		return info, fmt.Errorf("failed to get disk usage of %s: %w", c.diskPath, err)
	}
	info.DiskPct = round2(usage.UsedPercent)

	bandwidth, err := c.bandwidth(ctx)
	if err != nil {
		return info, err
	}
	info.Bandwidth = bandwidth

	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("failed to get uptime: %w", err)
	}
	info.Uptime = uptime

	info.Temperature = c.temperature(ctx)

	if c.containers != nil {
		n, err := c.containers.CountContainers(ctx)
		if err != nil {
			c.logger.Warn("Failed to count containers", zap.Error(err))
		} else {
			info.Containers = n
		}
	}

	return info, nil
}

// bandwidth returns MB/s sent and received since the previous call.
// The first call reports 0.
func (c *HostCollector) bandwidth(ctx context.Context) (float64, error) {
	counters, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("failed to get network counters: %w", err)
	}
	if len(counters) == 0 {
		return 0, nil
	}

	total := counters[0].BytesSent + counters[0].BytesRecv
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	prevBytes, prevAt := c.netBytes, c.netAt
	c.netBytes, c.netAt = total, now
	if prevAt.IsZero() || total < prevBytes {
		return 0, nil
	}

	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0, nil
	}
	return round2(float64(total-prevBytes) / bytesPerMB / elapsed), nil
}

// temperature returns the highest sensor reading, or 0 if the host has none
func (c *HostCollector) temperature(ctx context.Context) float64 {
	sensors, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil && len(sensors) == 0 {
		c.logger.Debug("Temperature sensors unavailable", zap.Error(err))
		return 0
	}

	var highest float64
	for _, s := range sensors {
		if s.Temperature > highest {
			highest = s.Temperature
		}
	}
	return round2(highest)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
