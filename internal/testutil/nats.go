package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/hubwatch/internal/broker"
)

// StartServer starts a NATS server with JetStream enabled on a random port.
// It is shut down when the test finishes.
func StartServer(t *testing.T) *server.Server {
	t.Helper()

	s, err := broker.Start(broker.Config{
		Host:     "127.0.0.1",
		Port:     -1,
		StoreDir: t.TempDir(),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)

	return s
}

// Connect opens a client connection to s that is closed when the test finishes
func Connect(t *testing.T, s *server.Server, opts ...nats.Option) *nats.Conn {
	t.Helper()

	opts = append([]nats.Option{nats.Timeout(5 * time.Second)}, opts...)
	nc, err := nats.Connect(s.ClientURL(), opts...)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	return nc
}

// StartJetStream starts a server and returns a connection and its JetStream context
func StartJetStream(t *testing.T) (*server.Server, *nats.Conn, nats.JetStreamContext) {
	t.Helper()

	s := StartServer(t)
	nc := Connect(t, s)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	return s, nc, js
}

// WaitForStream waits for a stream to be created
func WaitForStream(t *testing.T, js nats.JetStreamContext, name string, timeout time.Duration) error {
	t.Helper()

	start := time.Now()
	for time.Since(start) < timeout {
		_, err := js.StreamInfo(name)
		if err == nil {
			return nil
		}
		if err != nats.ErrStreamNotFound {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for stream %s", name)
}

// CollectMessages subscribes to subject and returns a function that reports the payloads received so far
func CollectMessages(t *testing.T, nc *nats.Conn, subject string) func() [][]byte {
	t.Helper()

	msgCh := make(chan []byte, 256)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		msgCh <- msg.Data
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	t.Cleanup(func() { sub.Unsubscribe() })

	var received [][]byte
	return func() [][]byte {
		for {
			select {
			case data := <-msgCh:
				received = append(received, data)
			default:
				return received
			}
		}
	}
}
