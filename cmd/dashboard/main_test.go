package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/t77yq/hubwatch/internal/config"
	"github.com/t77yq/hubwatch/internal/hub"
	"github.com/t77yq/hubwatch/internal/model"
	"github.com/t77yq/hubwatch/internal/storage"
	"github.com/t77yq/hubwatch/internal/testutil"
)

func testConfig(t *testing.T, url string) *config.Config {
	t.Helper()
	return &config.Config{
		App: config.AppConfig{Name: "hubwatch"},
		NATS: config.NATSConfig{
			URL:            url,
			ReconnectWait:  100 * time.Millisecond,
			ConnectTimeout: time.Second,
			ConnectRetries: 1,
			RequestTimeout: time.Second,
		},
	}
}

func TestRun_ReportsUnavailableHub(t *testing.T) {
	s := testutil.StartServer(t)
	core, logs := observer.New(zap.InfoLevel)

	err := run(context.Background(), testConfig(t, s.ClientURL()), zap.New(core))
	require.Error(t, err)

	entries := logs.FilterMessage("Dashboard unavailable").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap(), "status")
	// the connection was released on the way out
	assert.Eventually(t, func() bool {
		return s.NumClients() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRun_LogsActiveAlertsUntilCanceled(t *testing.T) {
	logger := zap.NewNop()
	s, nc, js := testutil.StartJetStream(t)
	records, err := storage.NewSQLiteRecords(logger, filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	h := hub.New(nc, js, records, hub.Config{DownAfter: time.Minute}, logger)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(h.Stop)
	require.NoError(t, h.RecordStats(context.Background(), model.SystemStats{System: "web1"}))

	core, logs := observer.New(zap.InfoLevel)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, testConfig(t, s.ClientURL()), zap.New(core)) }()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("Active alerts").Len() > 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}
