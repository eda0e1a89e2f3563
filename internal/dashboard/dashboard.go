// Package dashboard wires the systems and alerts collections to the remote
// feed and exposes them together with the active-alerts view.
package dashboard

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/hubwatch/internal/derive"
	"github.com/t77yq/hubwatch/internal/ingest"
	"github.com/t77yq/hubwatch/internal/model"
	"github.com/t77yq/hubwatch/internal/store"
)

// Stores holds the collections a Dashboard keeps in sync
type Stores struct {
	Systems *store.Collection[model.System]
	Alerts  *store.Collection[model.Alert]
}

// NewStores creates empty systems and alerts collections
func NewStores(logger *zap.Logger) Stores {
	return Stores{
		Systems: store.NewCollection[model.System](model.CollectionSystems, logger),
		Alerts:  store.NewCollection[model.Alert](model.CollectionAlerts, logger),
	}
}

type mountable interface {
	Mount(ctx context.Context) error
	Unmount()
	State() ingest.State
	Err() error
}

// Dashboard is the live, read-only client of the hub
type Dashboard struct {
	logger   *zap.Logger
	registry *store.Registry
	view     *derive.View
	adapters map[string]mountable
}

// New creates an unmounted dashboard over stores
func New(stores Stores, fetcher ingest.Fetcher, transport ingest.Transport, logger *zap.Logger) *Dashboard {
	logger = logger.Named("dashboard")

	registry := store.NewRegistry()
	systems := store.Register(registry, stores.Systems)
	alerts := store.Register(registry, stores.Alerts)

	return &Dashboard{
		logger:   logger,
		registry: registry,
		view:     derive.NewView(alerts, systems, model.AlertKinds, logger),
		adapters: map[string]mountable{
			model.CollectionSystems: ingest.NewAdapter(systems, fetcher, transport, logger),
			model.CollectionAlerts:  ingest.NewAdapter(alerts, fetcher, transport, logger),
		},
	}
}

// Mount bootstraps and subscribes both collections concurrently.
// If either fails, both are unmounted and the failures are returned joined.
func (d *Dashboard) Mount(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, adapter := range d.adapters {
		wg.Add(1)
		go func(adapter mountable) {
			defer wg.Done()
			if err := adapter.Mount(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(adapter)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		d.Unmount()
		d.logger.Error("Failed to mount dashboard", zap.Error(err))
		return err
	}
	d.logger.Info("Dashboard mounted")
	return nil
}

// Unmount closes both subscriptions. The stores keep their last contents.
func (d *Dashboard) Unmount() {
	for _, adapter := range d.adapters {
		adapter.Unmount()
	}
}

// Close unmounts and releases the active-alerts view
func (d *Dashboard) Close() {
	d.Unmount()
	d.view.Close()
}

// Status reports the lifecycle state of each collection
func (d *Dashboard) Status() map[string]ingest.State {
	status := make(map[string]ingest.State, len(d.adapters))
	for name, adapter := range d.adapters {
		status[name] = adapter.State()
	}
	return status
}

// Err returns the failures recorded by the last mount, or nil
func (d *Dashboard) Err() error {
	var errs []error
	for _, name := range d.registry.Names() {
		if err := d.adapters[name].Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Snapshot returns the records of the named collection
func (d *Dashboard) Snapshot(name string) ([]model.Record, error) {
	return d.registry.Snapshot(name)
}

// OnChange registers fn for changes of the named collection
func (d *Dashboard) OnChange(name string, fn func()) (func(), error) {
	return d.registry.OnChange(name, fn)
}

// ActiveAlerts returns the triggered alerts of known kinds, enriched with their system name
func (d *Dashboard) ActiveAlerts() []model.Alert {
	return d.view.Get()
}

// OnActiveAlertsChange registers fn to run whenever the active alerts may have changed
func (d *Dashboard) OnActiveAlertsChange(fn func()) {
	d.view.OnChange(fn)
}
