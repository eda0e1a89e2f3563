// Package derive computes read-only projections over the synced collections.
package derive

import (
	"fmt"
	"strconv"

	"github.com/t77yq/hubwatch/internal/model"
)

// ActiveAlerts returns the triggered alerts whose kind is in kinds, in input
// order, with ResolvedSystemName and SystemFound set from systems. An alert
// whose system is not in systems is kept with SystemFound false.
//
// System names are looked up through an id index built once per call.
func ActiveAlerts(alerts []model.Alert, systems []model.System, kinds model.KindRegistry) []model.Alert {
	names := make(map[string]string, len(systems))
	for _, system := range systems {
		names[system.ID] = system.Name
	}

	active := make([]model.Alert, 0)
	for _, alert := range alerts {
		if !alert.Triggered {
			continue
		}
		if _, ok := kinds.Lookup(alert.Name); !ok {
			continue
		}
		alert.ResolvedSystemName, alert.SystemFound = names[alert.System]
		active = append(active, alert)
	}
	return active
}

// Describe renders an active alert the way the dashboard shows it, e.g.
// "web1 CPU usage: Exceeds 80% average in last 10 min".
func Describe(alert model.Alert, kinds model.KindRegistry) string {
	info, ok := kinds.Lookup(alert.Name)
	if !ok {
		info = model.AlertKindInfo{Name: string(alert.Name)}
	}
	if alert.Name == model.AlertKindStatus {
		return fmt.Sprintf("%s %s: Connection is down", alert.ResolvedSystemName, info.Name)
	}
	return fmt.Sprintf("%s %s: Exceeds %s%s average in last %d min",
		alert.ResolvedSystemName, info.Name,
		strconv.FormatFloat(alert.Value, 'f', -1, 64), info.Unit, alert.Min)
}
