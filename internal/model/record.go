package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Collection names served by the hub
const (
	CollectionSystems = "systems"
	CollectionAlerts  = "alerts"
)

var (
	// ErrUnknownAction is returned when an event carries an action other than create, update or delete
	ErrUnknownAction = errors.New("unknown event action")

	// ErrMissingID is returned when an event record has no id
	ErrMissingID = errors.New("record id is missing")
)

// Record is anything stored in a collection, identified by an opaque id
type Record interface {
	GetID() string
}

// Action is the kind of change an event describes
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the three known actions
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// RawEvent is the wire form of a change event
type RawEvent struct {
	Action Action          `json:"action"`
	Record json.RawMessage `json:"record"`
}

// Event is a decoded change event for records of type T.
// For deletes only Record.GetID() is meaningful.
type Event[T Record] struct {
	Action Action
	Record T
}

// DecodeEvent decodes a wire event into a typed one
func DecodeEvent[T Record](data []byte) (Event[T], error) {
	var raw RawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event[T]{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if !raw.Action.Valid() {
		return Event[T]{}, fmt.Errorf("%w: %q", ErrUnknownAction, raw.Action)
	}

	var record T
	if err := json.Unmarshal(raw.Record, &record); err != nil {
		return Event[T]{}, fmt.Errorf("failed to unmarshal %s record: %w", raw.Action, err)
	}
	if record.GetID() == "" {
		return Event[T]{}, ErrMissingID
	}

	return Event[T]{Action: raw.Action, Record: record}, nil
}

// EncodeEvent encodes an action and record into the wire form
func EncodeEvent(action Action, record any) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return json.Marshal(RawEvent{Action: action, Record: data})
}
