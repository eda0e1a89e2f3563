// Package broker runs an in-process NATS server for single-binary deployments.
package broker

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

// Config holds the embedded server settings. Port -1 picks a random port.
type Config struct {
	Host     string
	Port     int
	StoreDir string
}

// Start runs a NATS server with JetStream enabled and waits until it accepts connections
func Start(cfg Config, logger *zap.Logger) (*server.Server, error) {
	opts := &server.Options{
		Host:           cfg.Host,
		Port:           cfg.Port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
		JetStream:      true,
		StoreDir:       cfg.StoreDir,
	}

	s, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("NATS server not ready for connections")
	}

	logger.Named("broker").Info("Embedded NATS server started", zap.String("url", s.ClientURL()))
	return s, nil
}
