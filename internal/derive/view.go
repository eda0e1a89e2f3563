package derive

import (
	"sync"

	"go.uber.org/zap"

	"github.com/t77yq/hubwatch/internal/model"
	"github.com/t77yq/hubwatch/internal/store"
)

// View is the active-alerts projection of an alerts and a systems collection.
// Any change to either collection invalidates the cached result; the next Get
// recomputes it.
type View struct {
	logger  *zap.Logger
	alerts  *store.Collection[model.Alert]
	systems *store.Collection[model.System]
	kinds   model.KindRegistry

	mu     sync.Mutex
	dirty  bool
	cached []model.Alert

	lmu       sync.Mutex
	listeners []func()

	stop []func()
}

// NewView creates a view and starts listening to both collections. Close releases the listeners.
func NewView(alerts *store.Collection[model.Alert], systems *store.Collection[model.System], kinds model.KindRegistry, logger *zap.Logger) *View {
	v := &View{
		logger:  logger.Named("derive"),
		alerts:  alerts,
		systems: systems,
		kinds:   kinds,
		dirty:   true,
	}
	v.stop = []func(){
		alerts.OnChange(v.invalidate),
		systems.OnChange(v.invalidate),
	}
	return v
}

// Get returns the current active alerts. The returned slice is owned by the caller.
func (v *View) Get() []model.Alert {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dirty {
		v.cached = ActiveAlerts(v.alerts.Snapshot(), v.systems.Snapshot(), v.kinds)
		v.dirty = false
		for _, alert := range v.cached {
			if !alert.HasResolvedSystem() {
				v.logger.Debug("Alert references unknown system",
					zap.String("alert_id", alert.ID),
					zap.String("system_id", alert.System))
			}
		}
	}

	out := make([]model.Alert, len(v.cached))
	copy(out, v.cached)
	return out
}

// OnChange registers fn to run after either underlying collection changes
func (v *View) OnChange(fn func()) {
	v.lmu.Lock()
	defer v.lmu.Unlock()
	v.listeners = append(v.listeners, fn)
}

// Close stops listening to the collections
func (v *View) Close() {
	for _, stop := range v.stop {
		stop()
	}
}

func (v *View) invalidate() {
	v.mu.Lock()
	v.dirty = true
	v.mu.Unlock()

	v.lmu.Lock()
	listeners := make([]func(), len(v.listeners))
	copy(listeners, v.listeners)
	v.lmu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
