package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/hubwatch/internal/ingest"
)

// ErrRemote is returned when the hub answers a request with an error
var ErrRemote = errors.New("hub returned an error")

// NATSTransport fetches collections over request/reply and streams change
// events over plain subscriptions.
//
// NATS does not replay messages published while a client was disconnected
// and gives no way to tell whether any were, so every reconnect is reported
// as a gap.
type NATSTransport struct {
	nc             *nats.Conn
	logger         *zap.Logger
	requestTimeout time.Duration

	mu         sync.Mutex
	reconnects map[uint64]ingest.ReconnectHandler
	nextID     uint64
}

var (
	_ ingest.Fetcher   = (*NATSTransport)(nil)
	_ ingest.Transport = (*NATSTransport)(nil)
)

// New wraps an established connection. It installs the connection's
// reconnect and disconnect handlers.
func New(nc *nats.Conn, requestTimeout time.Duration, logger *zap.Logger) *NATSTransport {
	t := &NATSTransport{
		nc:             nc,
		logger:         logger.Named("transport"),
		requestTimeout: requestTimeout,
		reconnects:     make(map[uint64]ingest.ReconnectHandler),
	}
	nc.SetReconnectHandler(t.handleReconnect)
	nc.SetDisconnectErrHandler(func(nc *nats.Conn, err error) {
		t.logger.Warn("NATS disconnected", zap.Error(err))
	})
	return t
}

// Conn returns the underlying connection
func (t *NATSTransport) Conn() *nats.Conn {
	return t.nc
}

// FetchAll implements ingest.Fetcher
func (t *NATSTransport) FetchAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.requestTimeout)
		defer cancel()
	}

	msg, err := t.nc.RequestWithContext(ctx, ListSubject(collection), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to request %s: %w", collection, err)
	}

	var resp ListResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal list response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}
	return resp.Records, nil
}

// Subscribe implements ingest.Transport. Handlers run on the subscription's
// delivery goroutine, one message at a time, in arrival order.
func (t *NATSTransport) Subscribe(collection string, handler ingest.EventHandler) (ingest.Subscription, error) {
	sub, err := t.nc.Subscribe(EventsSubject(collection), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s events: %w", collection, err)
	}
	// make sure the server has the interest before we report success
	if err := t.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}
	return sub, nil
}

// OnReconnect implements ingest.Transport
func (t *NATSTransport) OnReconnect(fn ingest.ReconnectHandler) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.reconnects[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.reconnects, id)
		t.mu.Unlock()
	}
}

// Write sends a create/update/delete command for collection to the hub and returns the stored record
func (t *NATSTransport) Write(ctx context.Context, collection string, command []byte) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.requestTimeout)
		defer cancel()
	}

	msg, err := t.nc.RequestWithContext(ctx, WriteSubject(collection), command)
	if err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", collection, err)
	}

	var resp WriteResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal write response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrRemote, resp.Error)
	}
	return resp.Record, nil
}

func (t *NATSTransport) handleReconnect(nc *nats.Conn) {
	t.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))

	t.mu.Lock()
	handlers := make([]ingest.ReconnectHandler, 0, len(t.reconnects))
	for _, fn := range t.reconnects {
		handlers = append(handlers, fn)
	}
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(true)
	}
}
