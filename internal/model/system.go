package model

import "time"

// SystemStatus represents the reachability of a monitored system
type SystemStatus string

const (
	SystemStatusUp      SystemStatus = "up"
	SystemStatusDown    SystemStatus = "down"
	SystemStatusPaused  SystemStatus = "paused"
	SystemStatusPending SystemStatus = "pending"
)

// SystemInfo holds the latest metrics reported by a system's agent
type SystemInfo struct {
	CPU          float64 `json:"cpu"`
	MemPct       float64 `json:"mp"`
	DiskPct      float64 `json:"dp"`
	Bandwidth    float64 `json:"b"`
	Temperature  float64 `json:"t,omitempty"`
	Uptime       uint64  `json:"u"`
	Containers   int     `json:"c,omitempty"`
	Cores        int     `json:"cores,omitempty"`
	AgentVersion string  `json:"v,omitempty"`
}

// System is a monitored host
type System struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Status  SystemStatus `json:"status"`
	Host    string       `json:"host,omitempty"`
	Info    SystemInfo   `json:"info"`
	Updated time.Time    `json:"updated"`
}

// GetID implements Record
func (s System) GetID() string { return s.ID }

// SystemStats is the payload an agent publishes for its host
type SystemStats struct {
	System      string     `json:"system"`
	Host        string     `json:"host,omitempty"`
	Info        SystemInfo `json:"info"`
	CollectedAt time.Time  `json:"collected_at"`
}
