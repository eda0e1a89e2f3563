package model

// AlertKind identifies the metric an alert watches
type AlertKind string

const (
	AlertKindStatus      AlertKind = "Status"
	AlertKindCPU         AlertKind = "CPU"
	AlertKindMemory      AlertKind = "Memory"
	AlertKindDisk        AlertKind = "Disk"
	AlertKindBandwidth   AlertKind = "Bandwidth"
	AlertKindTemperature AlertKind = "Temperature"
)

// AlertKindInfo describes how an alert kind is displayed
type AlertKindInfo struct {
	Name string `json:"name"`
	Unit string `json:"unit"`
}

// KindRegistry maps known alert kinds to their display info
type KindRegistry map[AlertKind]AlertKindInfo

// Lookup returns the info for kind and whether the kind is known
func (r KindRegistry) Lookup(kind AlertKind) (AlertKindInfo, bool) {
	info, ok := r[kind]
	return info, ok
}

// AlertKinds is the registry of alert kinds this build can display.
// Alerts of any other kind are ignored by the dashboard.
var AlertKinds = KindRegistry{
	AlertKindStatus:      {Name: "Status", Unit: ""},
	AlertKindCPU:         {Name: "CPU usage", Unit: "%"},
	AlertKindMemory:      {Name: "Memory usage", Unit: "%"},
	AlertKindDisk:        {Name: "Disk usage", Unit: "%"},
	AlertKindBandwidth:   {Name: "Bandwidth", Unit: " MB/s"},
	AlertKindTemperature: {Name: "Temperature", Unit: "°C"},
}

// Alert is a threshold rule on one system together with its current state
type Alert struct {
	ID        string    `json:"id"`
	System    string    `json:"system"`
	Name      AlertKind `json:"name"`
	Triggered bool      `json:"triggered"`
	Value     float64   `json:"value"`
	// Min is the averaging window in minutes
	Min int `json:"min"`

	// ResolvedSystemName is filled in by the dashboard from the systems
	// collection and is never persisted or sent upstream.
	ResolvedSystemName string `json:"-"`
	// SystemFound records whether the owning system was present at derivation time
	SystemFound bool `json:"-"`
}

// GetID implements Record
func (a Alert) GetID() string { return a.ID }

// HasResolvedSystem reports whether the owning system was found during derivation
func (a Alert) HasResolvedSystem() bool { return a.SystemFound }
