package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/hubwatch/internal/testutil"
)

func respondWith(t *testing.T, nc *nats.Conn, subject string, resp any) {
	t.Helper()
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		_ = msg.Respond(data)
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { sub.Unsubscribe() })
}

func TestNATSTransport_FetchAll(t *testing.T) {
	s := testutil.StartServer(t)
	server := testutil.Connect(t, s)
	client := New(testutil.Connect(t, s), time.Second, zaptest.NewLogger(t))
	ctx := context.Background()

	respondWith(t, server, ListSubject("systems"), ListResponse{
		Records: []json.RawMessage{json.RawMessage(`{"id":"a"}`), json.RawMessage(`{"id":"b"}`)},
	})
	respondWith(t, server, ListSubject("alerts"), ListResponse{Error: "database is locked"})

	records, err := client.FetchAll(ctx, "systems")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.JSONEq(t, `{"id":"b"}`, string(records[1]))

	_, err = client.FetchAll(ctx, "alerts")
	require.ErrorIs(t, err, ErrRemote)

	_, err = client.FetchAll(ctx, "users")
	require.ErrorIs(t, err, nats.ErrNoResponders)
}

func TestNATSTransport_SubscribeInOrder(t *testing.T) {
	s := testutil.StartServer(t)
	publisher := testutil.Connect(t, s)
	client := New(testutil.Connect(t, s), time.Second, zaptest.NewLogger(t))

	var (
		mu       sync.Mutex
		received []string
	)
	sub, err := client.Subscribe("alerts", func(data []byte) {
		mu.Lock()
		received = append(received, string(data))
		mu.Unlock()
	})
	require.NoError(t, err)

	for _, payload := range []string{"1", "2", "3"} {
		require.NoError(t, publisher.Publish(EventsSubject("alerts"), []byte(payload)))
	}
	require.NoError(t, publisher.Publish(EventsSubject("systems"), []byte("other")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"1", "2", "3"}, received)
	mu.Unlock()

	require.NoError(t, sub.Unsubscribe())
}

func TestNATSTransport_ReconnectFanOut(t *testing.T) {
	s := testutil.StartServer(t)
	nc := testutil.Connect(t, s)
	client := New(nc, time.Second, zaptest.NewLogger(t))

	var gaps []bool
	stop := client.OnReconnect(func(gap bool) { gaps = append(gaps, gap) })

	client.handleReconnect(nc)
	stop()
	client.handleReconnect(nc)

	assert.Equal(t, []bool{true}, gaps)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "records.systems.list", ListSubject("systems"))
	assert.Equal(t, "records.alerts.write", WriteSubject("alerts"))
	assert.Equal(t, "agent.stats.web1", StatsSubject("web1"))

	collection, ok := CollectionFromSubject(EventsSubject("alerts"))
	require.True(t, ok)
	assert.Equal(t, "alerts", collection)

	_, ok = CollectionFromSubject("agent.stats.web1")
	assert.False(t, ok)
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, b.NextRetry(0))
	assert.Equal(t, 4*time.Second, b.NextRetry(2))
	assert.Equal(t, 5*time.Second, b.NextRetry(3))
}
