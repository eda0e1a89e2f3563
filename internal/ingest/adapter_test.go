package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/hubwatch/internal/model"
	"github.com/t77yq/hubwatch/internal/store"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	log     *[]string
	fetchFn func(ctx context.Context) ([]json.RawMessage, error)
}

func (f *fakeFetcher) FetchAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	if f.log != nil {
		*f.log = append(*f.log, "fetch")
	}
	fn := f.fetchFn
	f.mu.Unlock()
	return fn(ctx)
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSubscription struct {
	tr     *fakeTransport
	closed bool
}

func (s *fakeSubscription) Unsubscribe() error {
	s.tr.mu.Lock()
	defer s.tr.mu.Unlock()
	s.closed = true
	return nil
}

type fakeTransport struct {
	mu         sync.Mutex
	log        *[]string
	handlers   []EventHandler
	subs       []*fakeSubscription
	reconnects map[int]ReconnectHandler
	nextID     int
	subErr     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reconnects: make(map[int]ReconnectHandler)}
}

func (t *fakeTransport) Subscribe(collection string, handler EventHandler) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.log != nil {
		*t.log = append(*t.log, "subscribe")
	}
	if t.subErr != nil {
		return nil, t.subErr
	}
	sub := &fakeSubscription{tr: t}
	t.handlers = append(t.handlers, handler)
	t.subs = append(t.subs, sub)
	return sub, nil
}

func (t *fakeTransport) OnReconnect(fn ReconnectHandler) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.reconnects[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.reconnects, id)
	}
}

// emit delivers data to the latest open subscription
func (t *fakeTransport) emit(data []byte) {
	t.mu.Lock()
	var handler EventHandler
	for i := len(t.subs) - 1; i >= 0; i-- {
		if !t.subs[i].closed {
			handler = t.handlers[i]
			break
		}
	}
	t.mu.Unlock()
	if handler != nil {
		handler(data)
	}
}

func (t *fakeTransport) reconnect(gap bool) {
	t.mu.Lock()
	handlers := make([]ReconnectHandler, 0, len(t.reconnects))
	for _, fn := range t.reconnects {
		handlers = append(handlers, fn)
	}
	t.mu.Unlock()
	for _, fn := range handlers {
		fn(gap)
	}
}

func (t *fakeTransport) openSubscriptions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	open := 0
	for _, sub := range t.subs {
		if !sub.closed {
			open++
		}
	}
	return open
}

func rawSystems(t *testing.T, systems ...model.System) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(systems))
	for i, s := range systems {
		data, err := json.Marshal(s)
		require.NoError(t, err)
		out[i] = data
	}
	return out
}

func event(t *testing.T, action model.Action, s model.System) []byte {
	t.Helper()
	data, err := model.EncodeEvent(action, s)
	require.NoError(t, err)
	return data
}

func staticFetcher(records []json.RawMessage) *fakeFetcher {
	return &fakeFetcher{fetchFn: func(ctx context.Context) ([]json.RawMessage, error) {
		return records, nil
	}}
}

func newSystemsAdapter(t *testing.T, fetcher Fetcher, tr Transport) (*Adapter[model.System], *store.Collection[model.System]) {
	logger := zaptest.NewLogger(t)
	systems := store.NewCollection[model.System](model.CollectionSystems, logger)
	return NewAdapter[model.System](systems, fetcher, tr, logger), systems
}

func TestAdapter_MountBootstrapsBeforeSubscribing(t *testing.T) {
	var log []string
	fetcher := staticFetcher(rawSystems(t, model.System{ID: "a", Name: "web1"}, model.System{ID: "b", Name: "web2"}))
	fetcher.log = &log
	tr := newFakeTransport()
	tr.log = &log

	adapter, systems := newSystemsAdapter(t, fetcher, tr)
	require.Equal(t, StateUnsubscribed, adapter.State())

	require.NoError(t, adapter.Mount(context.Background()))

	assert.Equal(t, []string{"fetch", "subscribe"}, log)
	assert.Equal(t, StateSubscribed, adapter.State())
	assert.NoError(t, adapter.Err())
	assert.Equal(t, 2, systems.Len())

	require.ErrorIs(t, adapter.Mount(context.Background()), ErrAlreadyMounted)
}

func TestAdapter_AppliesEvents(t *testing.T) {
	tr := newFakeTransport()
	adapter, systems := newSystemsAdapter(t, staticFetcher(rawSystems(t, model.System{ID: "1", Name: "old"})), tr)
	require.NoError(t, adapter.Mount(context.Background()))

	t.Run("update after bootstrap is observed", func(t *testing.T) {
		tr.emit(event(t, model.ActionUpdate, model.System{ID: "1", Name: "new"}))
		got, ok := systems.Get("1")
		require.True(t, ok)
		assert.Equal(t, "new", got.Name)
	})

	t.Run("create is idempotent", func(t *testing.T) {
		create := event(t, model.ActionCreate, model.System{ID: "2", Name: "db"})
		tr.emit(create)
		once := systems.Snapshot()
		tr.emit(create)
		assert.Equal(t, once, systems.Snapshot())
	})

	t.Run("delete then create leaves the record present", func(t *testing.T) {
		tr.emit(event(t, model.ActionDelete, model.System{ID: "1"}))
		tr.emit(event(t, model.ActionCreate, model.System{ID: "1", Name: "again"}))
		got, ok := systems.Get("1")
		require.True(t, ok)
		assert.Equal(t, "again", got.Name)
	})

	t.Run("delete of unknown id is a no-op", func(t *testing.T) {
		before := systems.Snapshot()
		tr.emit(event(t, model.ActionDelete, model.System{ID: "nope"}))
		assert.Equal(t, before, systems.Snapshot())
	})

	t.Run("malformed events are dropped", func(t *testing.T) {
		before := systems.Snapshot()
		tr.emit([]byte(`{"action":"upsert","record":{"id":"9"}}`))
		tr.emit([]byte(`{"action":"create","record":{"name":"no id"}}`))
		tr.emit([]byte(`not json`))
		assert.Equal(t, before, systems.Snapshot())
	})
}

func TestAdapter_BootstrapFailure(t *testing.T) {
	boom := errors.New("connection refused")
	fetcher := &fakeFetcher{fetchFn: func(ctx context.Context) ([]json.RawMessage, error) {
		return nil, boom
	}}
	tr := newFakeTransport()
	adapter, systems := newSystemsAdapter(t, fetcher, tr)

	err := adapter.Mount(context.Background())

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, model.CollectionSystems, fetchErr.Collection)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateUnsubscribed, adapter.State())
	assert.Equal(t, err, adapter.Err())
	assert.Zero(t, tr.openSubscriptions())
	assert.Zero(t, systems.Len())
}

func TestAdapter_SubscribeFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.subErr = errors.New("not connected")
	adapter, _ := newSystemsAdapter(t, staticFetcher(nil), tr)

	err := adapter.Mount(context.Background())

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, StateUnsubscribed, adapter.State())
}

func TestAdapter_UnmountCancelsBootstrap(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	// ignores ctx so the stale response really arrives after unmount
	fetcher := &fakeFetcher{fetchFn: func(ctx context.Context) ([]json.RawMessage, error) {
		close(started)
		<-release
		return rawSystems(t, model.System{ID: "late"}), nil
	}}
	tr := newFakeTransport()
	adapter, systems := newSystemsAdapter(t, fetcher, tr)

	var changes int
	systems.OnChange(func() { changes++ })

	done := make(chan error, 1)
	go func() { done <- adapter.Mount(context.Background()) }()

	<-started
	assert.Equal(t, StateSubscribing, adapter.State())
	adapter.Unmount()
	assert.Equal(t, StateUnsubscribed, adapter.State())
	close(release)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for mount to return")
	}

	assert.Zero(t, changes)
	assert.Zero(t, systems.Len())
	assert.Zero(t, tr.openSubscriptions())
}

func TestAdapter_UnmountAbortsFetchContext(t *testing.T) {
	started := make(chan struct{})
	fetcher := &fakeFetcher{fetchFn: func(ctx context.Context) ([]json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	adapter, _ := newSystemsAdapter(t, fetcher, newFakeTransport())

	done := make(chan error, 1)
	go func() { done <- adapter.Mount(context.Background()) }()

	<-started
	adapter.Unmount()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch context was not canceled by unmount")
	}
}

func TestAdapter_RemountRebootstraps(t *testing.T) {
	fetcher := staticFetcher(rawSystems(t, model.System{ID: "a"}))
	tr := newFakeTransport()
	adapter, systems := newSystemsAdapter(t, fetcher, tr)

	require.NoError(t, adapter.Mount(context.Background()))
	adapter.Unmount()
	adapter.Unmount()
	assert.Zero(t, tr.openSubscriptions())

	// contents may not be trusted across mounts
	systems.ReplaceAll(nil)

	require.NoError(t, adapter.Mount(context.Background()))
	assert.Equal(t, 2, fetcher.Calls())
	assert.Equal(t, 1, systems.Len())
	assert.Equal(t, 1, tr.openSubscriptions())
}

func TestAdapter_StaleHandlerIgnored(t *testing.T) {
	tr := newFakeTransport()
	adapter, systems := newSystemsAdapter(t, staticFetcher(nil), tr)
	require.NoError(t, adapter.Mount(context.Background()))

	tr.mu.Lock()
	stale := tr.handlers[0]
	tr.mu.Unlock()

	adapter.Unmount()
	stale(event(t, model.ActionCreate, model.System{ID: "ghost"}))

	assert.Zero(t, systems.Len())
}

func TestAdapter_ReconnectRebootstraps(t *testing.T) {
	var mu sync.Mutex
	records := rawSystems(t, model.System{ID: "a"})
	fetcher := &fakeFetcher{fetchFn: func(ctx context.Context) ([]json.RawMessage, error) {
		mu.Lock()
		defer mu.Unlock()
		return records, nil
	}}
	tr := newFakeTransport()
	adapter, systems := newSystemsAdapter(t, fetcher, tr)
	require.NoError(t, adapter.Mount(context.Background()))

	// missed while disconnected
	mu.Lock()
	records = rawSystems(t, model.System{ID: "a"}, model.System{ID: "b"})
	mu.Unlock()

	tr.reconnect(false)
	assert.Equal(t, 1, fetcher.Calls())

	tr.reconnect(true)
	require.Eventually(t, func() bool {
		return systems.Len() == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, fetcher.Calls())

	adapter.Unmount()
	tr.reconnect(true)
	assert.Equal(t, 2, fetcher.Calls())
}

func TestAdapter_RebootstrapKeepsLiveEvents(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fetcher := &fakeFetcher{fetchFn: func(ctx context.Context) ([]json.RawMessage, error) {
		if calls.Add(1) > 1 {
			close(started)
			<-release
		}
		return rawSystems(t, model.System{ID: "a", Name: "old"}, model.System{ID: "b", Name: "web2"}), nil
	}}
	tr := newFakeTransport()
	adapter, systems := newSystemsAdapter(t, fetcher, tr)
	require.NoError(t, adapter.Mount(context.Background()))

	tr.reconnect(true)
	<-started

	// committed after the snapshot was read but delivered before it arrives
	tr.emit(event(t, model.ActionUpdate, model.System{ID: "a", Name: "new"}))
	tr.emit(event(t, model.ActionDelete, model.System{ID: "b"}))
	got, _ := systems.Get("a")
	assert.Equal(t, "new", got.Name)

	var changes atomic.Int32
	unsubscribe := systems.OnChange(func() { changes.Add(1) })
	defer unsubscribe()

	close(release)

	// replace with the snapshot, then replay the update and the delete
	require.Eventually(t, func() bool {
		return changes.Load() == 3
	}, 5*time.Second, 10*time.Millisecond)

	got, _ = systems.Get("a")
	assert.Equal(t, "new", got.Name)
	assert.Equal(t, 1, systems.Len())
	require.NoError(t, adapter.Err())
}

func TestAdapter_LatestRebootstrapWins(t *testing.T) {
	var calls atomic.Int32
	firstStarted := make(chan struct{})
	releaseFirst := make(chan struct{})
	firstDone := make(chan struct{})
	fetcher := &fakeFetcher{fetchFn: func(ctx context.Context) ([]json.RawMessage, error) {
		switch calls.Add(1) {
		case 1:
			return rawSystems(t, model.System{ID: "a"}), nil
		case 2:
			// a slow response that arrives after the newer fetch, ignoring cancellation
			defer close(firstDone)
			close(firstStarted)
			<-releaseFirst
			return rawSystems(t, model.System{ID: "a"}), nil
		default:
			return rawSystems(t, model.System{ID: "a"}, model.System{ID: "b"}), nil
		}
	}}
	tr := newFakeTransport()
	adapter, systems := newSystemsAdapter(t, fetcher, tr)
	require.NoError(t, adapter.Mount(context.Background()))

	tr.reconnect(true)
	<-firstStarted
	tr.reconnect(true)

	require.Eventually(t, func() bool {
		return systems.Len() == 2
	}, 5*time.Second, 10*time.Millisecond)

	close(releaseFirst)
	<-firstDone
	require.Never(t, func() bool {
		return systems.Len() != 2
	}, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, 3, fetcher.Calls())
}

func TestLoader_AllOrNothing(t *testing.T) {
	fetcher := staticFetcher([]json.RawMessage{
		json.RawMessage(`{"id":"a","name":"web1"}`),
		json.RawMessage(`{"id":"b","name":42}`),
	})
	loader := NewLoader[model.System](fetcher, model.CollectionSystems)

	records, err := loader.FetchAll(context.Background())

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Nil(t, records)
}

func TestLoader_MissingID(t *testing.T) {
	loader := NewLoader[model.Alert](staticFetcher([]json.RawMessage{json.RawMessage(`{"name":"CPU"}`)}), model.CollectionAlerts)

	_, err := loader.FetchAll(context.Background())
	require.ErrorIs(t, err, model.ErrMissingID)
}
