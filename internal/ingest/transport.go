package ingest

import (
	"context"
	"encoding/json"
)

// Fetcher performs the single request/response read of a whole collection
type Fetcher interface {
	FetchAll(ctx context.Context, collection string) ([]json.RawMessage, error)
}

// EventHandler receives raw change events in arrival order
type EventHandler func(data []byte)

// Subscription is an open event stream for one collection
type Subscription interface {
	Unsubscribe() error
}

// ReconnectHandler is told about every reconnect of the underlying channel.
// gap is true when events may have been missed while disconnected.
type ReconnectHandler func(gap bool)

// Transport delivers change events for named collections
type Transport interface {
	Subscribe(collection string, handler EventHandler) (Subscription, error)

	// OnReconnect registers fn and returns a function that removes it
	OnReconnect(fn ReconnectHandler) func()
}
