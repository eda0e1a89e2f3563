package monitor

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerProbe counts running containers through the Docker API
type DockerProbe struct {
	docker *client.Client
}

// NewDockerProbe connects to the Docker daemon configured by the environment
func NewDockerProbe() (*DockerProbe, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerProbe{docker: docker}, nil
}

// CountContainers implements ContainerCounter
func (p *DockerProbe) CountContainers(ctx context.Context) (int, error) {
	containers, err := p.docker.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}
	return len(containers), nil
}

// Close releases the Docker client
func (p *DockerProbe) Close() error {
	return p.docker.Close()
}
