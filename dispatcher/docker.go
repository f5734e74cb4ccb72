package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	warren "github.com/nevindra/warren"
)

// DockerRuntime implements Runtime on the Docker Engine API. Workers run as
// agent-{user} containers attached to a shared bridge network; the
// dispatcher reaches them by container DNS name, so no host ports are
// published.
type DockerRuntime struct {
	cli     *client.Client
	network string
	logger  *slog.Logger
}

// DockerOption configures a DockerRuntime.
type DockerOption func(*DockerRuntime)

// WithDockerLogger sets a structured logger. If not set, no logs are emitted.
func WithDockerLogger(l *slog.Logger) DockerOption {
	return func(d *DockerRuntime) { d.logger = l }
}

// NewDockerRuntime connects to the Docker daemon from the environment
// (DOCKER_HOST etc.). networkName is the bridge network workers attach to.
func NewDockerRuntime(networkName string, opts ...DockerOption) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: connect: %w", err)
	}
	d := &DockerRuntime{cli: cli, network: networkName, logger: warren.NopLogger()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// containerName returns the fixed container name for a user's worker.
func containerName(user string) string { return "agent-" + user }

// EnsureNetwork creates the bridge network if it does not exist.
func (d *DockerRuntime) EnsureNetwork(ctx context.Context) error {
	nets, err := d.cli.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", d.network)),
	})
	if err != nil {
		return fmt.Errorf("docker: list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == d.network {
			return nil
		}
	}

	_, err = d.cli.NetworkCreate(ctx, d.network, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return fmt.Errorf("docker: create network %q: %w", d.network, err)
	}
	d.logger.Info("created worker network", "network", d.network)
	return nil
}

// EnsureWorker reuses a running container, starts a stopped one, or creates
// a fresh one from spec.
func (d *DockerRuntime) EnsureWorker(ctx context.Context, spec WorkerSpec) (WorkerInfo, error) {
	name := containerName(spec.User)
	addr := name + ":" + strconv.Itoa(spec.Port)

	existing, err := d.findContainer(ctx, name)
	if err != nil {
		return WorkerInfo{}, err
	}
	if existing != nil {
		if existing.State == container.StateRunning {
			return WorkerInfo{ID: existing.ID, Addr: addr}, nil
		}
		d.logger.Info("starting existing worker container", "user", spec.User, "container", name)
		if err := d.cli.ContainerStart(ctx, existing.ID, container.StartOptions{}); err != nil {
			return WorkerInfo{}, fmt.Errorf("docker: start %s: %w", name, err)
		}
		return WorkerInfo{ID: existing.ID, Addr: addr}, nil
	}

	d.logger.Info("creating worker container", "user", spec.User, "container", name, "image", spec.Image)
	port := nat.Port(strconv.Itoa(spec.Port) + "/tcp")
	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			ExposedPorts: nat.PortSet{port: struct{}{}},
		},
		&container.HostConfig{
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				d.network: {},
			},
		},
		nil, name)
	if err != nil {
		return WorkerInfo{}, fmt.Errorf("docker: create %s: %w", name, err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return WorkerInfo{}, fmt.Errorf("docker: start %s: %w", name, err)
	}
	return WorkerInfo{ID: created.ID, Addr: addr}, nil
}

// RestartWorker restarts the user's container.
func (d *DockerRuntime) RestartWorker(ctx context.Context, user string) error {
	name := containerName(user)
	existing, err := d.findContainer(ctx, name)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("docker: no container %s", name)
	}
	if err := d.cli.ContainerRestart(ctx, existing.ID, container.StopOptions{}); err != nil {
		return fmt.Errorf("docker: restart %s: %w", name, err)
	}
	return nil
}

// StopWorker stops the user's container, keeping it for reuse.
func (d *DockerRuntime) StopWorker(ctx context.Context, user string) error {
	name := containerName(user)
	existing, err := d.findContainer(ctx, name)
	if err != nil {
		return err
	}
	if existing == nil || existing.State != container.StateRunning {
		return nil
	}
	if err := d.cli.ContainerStop(ctx, existing.ID, container.StopOptions{}); err != nil {
		return fmt.Errorf("docker: stop %s: %w", name, err)
	}
	return nil
}

// findContainer locates a container by exact name, running or not.
func (d *DockerRuntime) findContainer(ctx context.Context, name string) (*container.Summary, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return nil, fmt.Errorf("docker: list containers: %w", err)
	}
	// The name filter matches substrings; check for the exact name.
	for i := range list {
		for _, n := range list[i].Names {
			if n == "/"+name {
				return &list[i], nil
			}
		}
	}
	return nil, nil
}

// Close releases the daemon connection.
func (d *DockerRuntime) Close() error { return d.cli.Close() }

// Compile-time interface check.
var _ Runtime = (*DockerRuntime)(nil)
