package ingest

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/hubwatch/internal/model"
	"github.com/t77yq/hubwatch/internal/store"
)

// State is the lifecycle state of an Adapter
type State int

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// Adapter keeps one collection in sync with the remote service: it bootstraps
// the collection with a full fetch, then applies change events as they arrive.
type Adapter[T model.Record] struct {
	logger     *zap.Logger
	collection *store.Collection[T]
	loader     *Loader[T]
	transport  Transport

	// applyMu serializes every write to the collection with the generation check
	applyMu sync.Mutex
	// guarded by applyMu: the latest re-bootstrap and the events seen since it started
	rebootSeq    uint64
	rebootCancel context.CancelFunc
	replay       []model.Event[T]

	mu            sync.Mutex
	state         State
	gen           uint64
	cancel        context.CancelFunc
	sub           Subscription
	stopReconnect func()
	err           error
}

// NewAdapter creates an unmounted adapter for collection
func NewAdapter[T model.Record](collection *store.Collection[T], fetcher Fetcher, transport Transport, logger *zap.Logger) *Adapter[T] {
	return &Adapter[T]{
		logger:     logger.Named("ingest").With(zap.String("collection", collection.Name())),
		collection: collection,
		loader:     NewLoader[T](fetcher, collection.Name()),
		transport:  transport,
	}
}

// State returns the current lifecycle state
func (a *Adapter[T]) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns the last bootstrap or subscription failure of the current mount, if any
func (a *Adapter[T]) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Mount bootstraps the collection and then opens the event subscription.
//
// ctx bounds the initial fetch only. On fetch failure the *FetchError is
// returned and no subscription is opened. If Unmount runs while the fetch is
// in flight the response is discarded and ErrCanceled is returned.
func (a *Adapter[T]) Mount(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateUnsubscribed {
		a.mu.Unlock()
		return ErrAlreadyMounted
	}
	a.gen++
	gen := a.gen
	mountCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.state = StateSubscribing
	a.err = nil
	a.mu.Unlock()

	a.logger.Debug("Bootstrapping collection")

	fetchCtx, stopFetch := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(mountCtx, stopFetch)
	records, err := a.loader.FetchAll(fetchCtx)
	stopAfter()
	stopFetch()

	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	if !a.current(gen) {
		a.logger.Debug("Discarding bootstrap result after unmount")
		return ErrCanceled
	}

	if err != nil {
		a.logger.Error("Failed to bootstrap collection", zap.Error(err))
		a.mu.Lock()
		a.reset()
		a.err = err
		a.mu.Unlock()
		return err
	}

	a.collection.ReplaceAll(records)

	sub, err := a.transport.Subscribe(a.collection.Name(), a.handleEvent(gen))
	if err != nil {
		terr := &TransportError{Collection: a.collection.Name(), Err: err}
		a.logger.Error("Failed to subscribe to collection events", zap.Error(err))
		a.mu.Lock()
		a.reset()
		a.err = terr
		a.mu.Unlock()
		return terr
	}
	stopReconnect := a.transport.OnReconnect(a.handleReconnect(mountCtx, gen))

	a.mu.Lock()
	a.sub = sub
	a.stopReconnect = stopReconnect
	a.state = StateSubscribed
	a.mu.Unlock()

	a.logger.Info("Collection subscribed", zap.Int("records", len(records)))
	return nil
}

// Unmount closes the subscription and cancels any in-flight bootstrap.
// After it returns no further mutation is applied for the current mount.
// Unmounting an unmounted adapter is a no-op.
func (a *Adapter[T]) Unmount() {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	a.mu.Lock()
	if a.state == StateUnsubscribed {
		a.mu.Unlock()
		return
	}
	sub := a.sub
	a.reset()
	a.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	a.logger.Info("Collection unsubscribed")
}

// reset invalidates the current mount. Callers hold a.applyMu and a.mu.
func (a *Adapter[T]) reset() {
	a.gen++
	a.endRebootstrap()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.stopReconnect != nil {
		a.stopReconnect()
		a.stopReconnect = nil
	}
	a.sub = nil
	a.state = StateUnsubscribed
}

func (a *Adapter[T]) current(gen uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gen == gen
}

func (a *Adapter[T]) handleEvent(gen uint64) EventHandler {
	return func(data []byte) {
		event, err := model.DecodeEvent[T](data)
		if err != nil {
			a.logger.Warn("Dropping malformed event", zap.Error(err))
			return
		}

		a.applyMu.Lock()
		defer a.applyMu.Unlock()

		if !a.current(gen) {
			return
		}
		a.apply(event)
		if a.rebootCancel != nil {
			a.replay = append(a.replay, event)
		}
	}
}

// apply maps an event onto the collection. Callers hold applyMu.
func (a *Adapter[T]) apply(event model.Event[T]) {
	switch event.Action {
	case model.ActionCreate, model.ActionUpdate:
		a.collection.Upsert(event.Record)
	case model.ActionDelete:
		a.collection.Remove(event.Record.GetID())
	default:
		a.logger.Warn("Ignoring event with unknown action", zap.String("action", string(event.Action)))
	}
}

func (a *Adapter[T]) handleReconnect(ctx context.Context, gen uint64) ReconnectHandler {
	return func(gap bool) {
		if !gap {
			return
		}

		a.applyMu.Lock()
		defer a.applyMu.Unlock()

		if !a.current(gen) {
			return
		}
		if a.rebootCancel != nil {
			a.rebootCancel()
		}
		a.rebootSeq++
		seq := a.rebootSeq
		rebootCtx, cancel := context.WithCancel(ctx)
		a.rebootCancel = cancel

		a.logger.Info("Transport resumed after gap, re-bootstrapping", zap.Uint64("attempt", seq))
		go a.rebootstrap(rebootCtx, gen, seq)
	}
}

// rebootstrap replaces the collection with a fresh fetch while the
// subscription stays open. Events applied during the fetch are replayed on
// top of the snapshot. Only the latest re-bootstrap of a mount may apply.
func (a *Adapter[T]) rebootstrap(ctx context.Context, gen, seq uint64) {
	records, err := a.loader.FetchAll(ctx)

	a.applyMu.Lock()
	defer a.applyMu.Unlock()

	if !a.current(gen) || seq != a.rebootSeq {
		a.logger.Debug("Discarding superseded re-bootstrap", zap.Uint64("attempt", seq))
		return
	}

	replay := a.replay
	a.endRebootstrap()

	if err != nil {
		a.logger.Error("Failed to re-bootstrap collection", zap.Error(err))
		a.mu.Lock()
		a.err = err
		a.mu.Unlock()
		return
	}

	a.collection.ReplaceAll(records)
	for _, event := range replay {
		a.apply(event)
	}
	a.mu.Lock()
	a.err = nil
	a.mu.Unlock()
	a.logger.Info("Collection re-bootstrapped",
		zap.Int("records", len(records)),
		zap.Int("replayed", len(replay)))
}

// endRebootstrap stops tracking the in-flight re-bootstrap. Callers hold a.applyMu.
func (a *Adapter[T]) endRebootstrap() {
	if a.rebootCancel != nil {
		a.rebootCancel()
		a.rebootCancel = nil
	}
	a.replay = nil
}
