package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/hubwatch/internal/model"
	"github.com/t77yq/hubwatch/internal/schedule"
	"github.com/t77yq/hubwatch/internal/storage"
	"github.com/t77yq/hubwatch/internal/store"
	"github.com/t77yq/hubwatch/internal/transport"
)

const (
	eventStreamName   = "RECORDS"
	eventStreamMaxAge = 24 * time.Hour
	operationTimeout  = 10 * time.Second
)

var (
	// ErrUnknownCollection is returned for writes to a collection the hub does not serve
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrAlreadyExists is returned when a create names an id that is already stored
	ErrAlreadyExists = errors.New("record already exists")

	// ErrInvalidRecord is returned when a written record fails validation
	ErrInvalidRecord = errors.New("invalid record")
)

// Config holds the hub settings
type Config struct {
	// DownAfter is how long a system may go without stats before it is marked down
	DownAfter time.Duration
	// SweepSchedule is the cron expression for the down sweep
	SweepSchedule string
}

// Hub owns the systems and alerts collections. It serves them to dashboards
// over NATS request/reply, persists every change and publishes it as an event.
type Hub struct {
	logger  *zap.Logger
	nc      *nats.Conn
	js      nats.JetStreamContext
	storage storage.RecordStorage
	config  Config

	systems *store.Collection[model.System]
	alerts  *store.Collection[model.Alert]

	// mu serializes writes so events leave in commit order
	mu      sync.Mutex
	samples map[string][]sample

	subs []*nats.Subscription
	cron *cron.Cron
	now  func() time.Time
}

// New creates a hub. js may be nil, in which case events are published on core NATS only.
func New(nc *nats.Conn, js nats.JetStreamContext, records storage.RecordStorage, config Config, logger *zap.Logger) *Hub {
	logger = logger.Named("hub")
	return &Hub{
		logger:  logger,
		nc:      nc,
		js:      js,
		storage: records,
		config:  config,
		systems: store.NewCollection[model.System](model.CollectionSystems, logger),
		alerts:  store.NewCollection[model.Alert](model.CollectionAlerts, logger),
		samples: make(map[string][]sample),
		now:     time.Now,
	}
}

// Start loads persisted records, subscribes to requests and agent stats and starts the down sweep
func (h *Hub) Start(ctx context.Context) error {
	if err := load(ctx, h.storage, h.systems); err != nil {
		return err
	}
	if err := load(ctx, h.storage, h.alerts); err != nil {
		return err
	}

	if h.js != nil {
		if err := h.setupStream(); err != nil {
			return fmt.Errorf("failed to setup stream: %w", err)
		}
	}

	handlers := map[string]nats.MsgHandler{
		transport.ListSubject("*"):          h.handleList,
		transport.WriteSubject("*"):         h.handleWrite,
		transport.StatsSubjectPrefix + ".*": h.handleStats,
	}
	for subject, handler := range handlers {
		sub, err := h.nc.Subscribe(subject, handler)
		if err != nil {
			h.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		h.subs = append(h.subs, sub)
	}
	if err := h.nc.Flush(); err != nil {
		h.Stop()
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}

	if h.config.SweepSchedule != "" {
		h.cron = schedule.New(h.logger)
		if _, err := h.cron.AddFunc(h.config.SweepSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
			defer cancel()
			h.Sweep(ctx)
		}); err != nil {
			h.Stop()
			return fmt.Errorf("failed to schedule down sweep: %w", err)
		}
		h.cron.Start()
	}

	h.logger.Info("Hub started",
		zap.Int("systems", h.systems.Len()),
		zap.Int("alerts", h.alerts.Len()))
	return nil
}

// Stop unsubscribes and stops the sweep
func (h *Hub) Stop() {
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	h.subs = nil

	if h.cron != nil {
		<-h.cron.Stop().Done()
		h.cron = nil
	}
	h.logger.Info("Hub stopped")
}

func (h *Hub) setupStream() error {
	_, err := h.js.StreamInfo(eventStreamName)
	if err == nil {
		h.logger.Info("Using existing event stream", zap.String("name", eventStreamName))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = h.js.AddStream(&nats.StreamConfig{
		Name:     eventStreamName,
		Subjects: []string{transport.EventsSubject("*")},
		Storage:  nats.FileStorage,
		MaxAge:   eventStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	h.logger.Info("Created event stream", zap.String("name", eventStreamName))
	return nil
}

func (h *Hub) handleList(msg *nats.Msg) {
	collection, ok := transport.CollectionFromSubject(msg.Subject)
	if !ok || !served(collection) {
		h.respond(msg, transport.ListResponse{Error: fmt.Sprintf("%s: %s", ErrUnknownCollection, collection)})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	records, err := h.storage.List(ctx, collection)
	resp := transport.ListResponse{Records: records}
	if err != nil {
		h.logger.Error("Failed to list records", zap.String("collection", collection), zap.Error(err))
		resp = transport.ListResponse{Error: err.Error()}
	}
	h.respond(msg, resp)
}

func (h *Hub) handleWrite(msg *nats.Msg) {
	collection, _ := transport.CollectionFromSubject(msg.Subject)

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	record, err := h.Write(ctx, collection, msg.Data)
	resp := transport.WriteResponse{Record: record}
	if err != nil {
		h.logger.Warn("Rejected write", zap.String("collection", collection), zap.Error(err))
		resp = transport.WriteResponse{Error: err.Error()}
	}
	h.respond(msg, resp)
}

func served(collection string) bool {
	return collection == model.CollectionSystems || collection == model.CollectionAlerts
}

func (h *Hub) respond(msg *nats.Msg, resp any) {
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		h.logger.Error("Failed to respond", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// Write applies a {action, record} command to collection and returns the stored record
func (h *Hub) Write(ctx context.Context, collection string, command []byte) (json.RawMessage, error) {
	var cmd model.RawEvent
	if err := json.Unmarshal(command, &cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	if !cmd.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownAction, cmd.Action)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch collection {
	case model.CollectionSystems:
		var system model.System
		if err := json.Unmarshal(cmd.Record, &system); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		if err := h.writeSystem(ctx, cmd.Action, &system); err != nil {
			return nil, err
		}
		return json.Marshal(system)
	case model.CollectionAlerts:
		var alert model.Alert
		if err := json.Unmarshal(cmd.Record, &alert); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		if err := h.writeAlert(ctx, cmd.Action, &alert); err != nil {
			return nil, err
		}
		return json.Marshal(alert)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
}

func (h *Hub) writeSystem(ctx context.Context, action model.Action, system *model.System) error {
	switch action {
	case model.ActionCreate:
		if system.ID == "" {
			system.ID = uuid.New().String()
		} else if _, ok := h.systems.Get(system.ID); ok {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, system.ID)
		}
		if system.Name == "" {
			return fmt.Errorf("%w: system name is required", ErrInvalidRecord)
		}
		if system.Status == "" {
			system.Status = model.SystemStatusPending
		}
		system.Updated = h.now()
		return save(ctx, h, h.systems, action, *system)
	case model.ActionUpdate:
		if _, ok := h.systems.Get(system.ID); !ok {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, system.ID)
		}
		system.Updated = h.now()
		if err := save(ctx, h, h.systems, action, *system); err != nil {
			return err
		}
		return h.evaluate(ctx, *system)
	case model.ActionDelete:
		return h.deleteSystem(ctx, system.ID)
	default:
		return fmt.Errorf("%w: %q", model.ErrUnknownAction, action)
	}
}

func (h *Hub) writeAlert(ctx context.Context, action model.Action, alert *model.Alert) error {
	switch action {
	case model.ActionCreate, model.ActionUpdate:
		if alert.System == "" {
			return fmt.Errorf("%w: alert system is required", ErrInvalidRecord)
		}
		if alert.Name == "" {
			return fmt.Errorf("%w: alert name is required", ErrInvalidRecord)
		}
		if action == model.ActionCreate {
			if alert.ID == "" {
				alert.ID = uuid.New().String()
			} else if _, ok := h.alerts.Get(alert.ID); ok {
				return fmt.Errorf("%w: %s", ErrAlreadyExists, alert.ID)
			}
		} else if _, ok := h.alerts.Get(alert.ID); !ok {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, alert.ID)
		}
		if err := save(ctx, h, h.alerts, action, *alert); err != nil {
			return err
		}
		if system, ok := h.systems.Get(alert.System); ok {
			if err := h.evaluate(ctx, system); err != nil {
				return err
			}
			*alert, _ = h.alerts.Get(alert.ID)
		}
		return nil
	case model.ActionDelete:
		_, err := remove(ctx, h, h.alerts, alert.ID)
		return err
	default:
		return fmt.Errorf("%w: %q", model.ErrUnknownAction, action)
	}
}

// deleteSystem removes a system together with its alerts
func (h *Hub) deleteSystem(ctx context.Context, id string) error {
	for _, alert := range h.alerts.Snapshot() {
		if alert.System != id {
			continue
		}
		if _, err := remove(ctx, h, h.alerts, alert.ID); err != nil {
			return err
		}
	}
	if _, err := remove(ctx, h, h.systems, id); err != nil {
		return err
	}
	delete(h.samples, id)
	return nil
}

// publish emits a change event. Failures are logged; dashboards recover on their next bootstrap.
func (h *Hub) publish(collection string, action model.Action, record json.RawMessage) {
	data, err := json.Marshal(model.RawEvent{Action: action, Record: record})
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	subject := transport.EventsSubject(collection)
	if h.js != nil {
		_, err = h.js.Publish(subject, data)
	} else {
		err = h.nc.Publish(subject, data)
	}
	if err != nil {
		h.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.String("action", string(action)),
			zap.Error(err))
		return
	}

	h.logger.Debug("Event published",
		zap.String("subject", subject),
		zap.String("action", string(action)))
}

// save persists record, updates the in-memory collection and publishes the event. Callers hold h.mu.
func save[T model.Record](ctx context.Context, h *Hub, c *store.Collection[T], action model.Action, record T) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := h.storage.Upsert(ctx, c.Name(), record.GetID(), data); err != nil {
		return err
	}
	c.Upsert(record)
	h.publish(c.Name(), action, data)
	return nil
}

// remove deletes a record and publishes the event if it existed. Callers hold h.mu.
func remove[T model.Record](ctx context.Context, h *Hub, c *store.Collection[T], id string) (bool, error) {
	record, ok := c.Get(id)
	deleted, err := h.storage.Delete(ctx, c.Name(), id)
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, nil
	}
	c.Remove(id)

	var data []byte
	if ok {
		data, err = json.Marshal(record)
	} else {
		data, err = json.Marshal(map[string]string{"id": id})
	}
	if err != nil {
		return true, fmt.Errorf("failed to marshal record: %w", err)
	}
	h.publish(c.Name(), model.ActionDelete, data)
	return true, nil
}

// load fills c from storage
func load[T model.Record](ctx context.Context, records storage.RecordStorage, c *store.Collection[T]) error {
	raw, err := records.List(ctx, c.Name())
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", c.Name(), err)
	}

	items := make([]T, 0, len(raw))
	for _, data := range raw {
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			return fmt.Errorf("failed to unmarshal stored %s record: %w", c.Name(), err)
		}
		items = append(items, item)
	}
	c.ReplaceAll(items)
	return nil
}
