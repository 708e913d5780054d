package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Docker supervises services that run as containers on the local daemon.
type Docker struct {
	cli         client.APIClient
	stopTimeout time.Duration
}

func NewDocker(cli client.APIClient, stopTimeout time.Duration) *Docker {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Docker{cli: cli, stopTimeout: stopTimeout}
}

// NewDockerFromEnv connects using DOCKER_HOST and related variables.
func NewDockerFromEnv(stopTimeout time.Duration) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewDocker(cli, stopTimeout), nil
}

func (d *Docker) Start(ctx context.Context, name string) error {
	status, err := d.Status(ctx, name)
	if err != nil {
		return err
	}
	if status.Running {
		return nil
	}
	if err := d.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

func (d *Docker) Stop(ctx context.Context, name string) error {
	if err := d.cli.ContainerStop(ctx, name, d.stopOptions()); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

func (d *Docker) Restart(ctx context.Context, name string) error {
	if err := d.cli.ContainerRestart(ctx, name, d.stopOptions()); err != nil {
		return fmt.Errorf("failed to restart container %s: %w", name, err)
	}
	return nil
}

func (d *Docker) Status(ctx context.Context, name string) (Status, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return Status{}, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	st := Status{Name: name}
	if info.ContainerJSONBase != nil && info.State != nil {
		st.Running = info.State.Running
		st.State = info.State.Status
	}
	return st, nil
}

func (d *Docker) stopOptions() container.StopOptions {
	secs := int(d.stopTimeout.Seconds())
	return container.StopOptions{Timeout: &secs}
}
