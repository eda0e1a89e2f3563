package transport

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	subjectPrefix = "records"

	// StatsSubjectPrefix is where agents publish host stats, followed by the system name
	StatsSubjectPrefix = "agent.stats"
)

// ListSubject is the request/reply subject returning every record of a collection
func ListSubject(collection string) string {
	return fmt.Sprintf("%s.%s.list", subjectPrefix, collection)
}

// WriteSubject is the request/reply subject accepting create/update/delete commands
func WriteSubject(collection string) string {
	return fmt.Sprintf("%s.%s.write", subjectPrefix, collection)
}

// EventsSubject carries change events for a collection
func EventsSubject(collection string) string {
	return fmt.Sprintf("%s.%s.events", subjectPrefix, collection)
}

// StatsSubject is the subject an agent for system publishes on
func StatsSubject(system string) string {
	return StatsSubjectPrefix + "." + system
}

// CollectionFromSubject extracts the collection name from a records subject
func CollectionFromSubject(subject string) (string, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != subjectPrefix {
		return "", false
	}
	return parts[1], true
}

// ListResponse is the reply to a list request
type ListResponse struct {
	Records []json.RawMessage `json:"records"`
	Error   string            `json:"error,omitempty"`
}

// WriteResponse is the reply to a write command
type WriteResponse struct {
	Record json.RawMessage `json:"record,omitempty"`
	Error  string          `json:"error,omitempty"`
}
