// Package docker implements ports.RuntimeService on the Docker Engine
// API. One resource-limited container per customer instance; the host
// port is always runtime-assigned so many customers share one host.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"

	"github.com/emre/mediadock-paas/internal/core/domain"
)

// stopTimeout is how long a container gets to exit cleanly before the
// daemon kills it.
const stopTimeout = 10 * time.Second

// Adapter implements ports.RuntimeService using the Docker SDK.
type Adapter struct {
	cli *client.Client
	log *logrus.Logger
}

// NewAdapter creates a Docker adapter from the environment (DOCKER_HOST
// et al.), negotiating the API version with the daemon.
func NewAdapter(log *logrus.Logger) (*Adapter, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Adapter{cli: cli, log: log}, nil
}

// Create pulls the workload's image, creates the container with CPU and
// memory limits and the customer's data mount, starts it, and reports the
// host port the daemon assigned to the workload's internal port.
func (a *Adapter) Create(ctx context.Context, spec domain.RuntimeSpec) (domain.RuntimeHandle, error) {
	profile, err := profileFor(spec.Workload)
	if err != nil {
		return domain.RuntimeHandle{}, err
	}

	reader, err := a.cli.ImagePull(ctx, profile.image, types.ImagePullOptions{})
	if err != nil {
		return domain.RuntimeHandle{}, fmt.Errorf("%w: %s: %v", domain.ErrImagePullFailed, profile.image, err)
	}
	// The pull only completes once the response stream is drained.
	io.Copy(io.Discard, reader)
	reader.Close()

	cfg := &container.Config{
		Image: profile.image,
		Env:   profile.env,
		ExposedPorts: nat.PortSet{
			profile.internalPort: struct{}{},
		},
		Labels: map[string]string{
			"mediadock.workload": string(spec.Workload),
		},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:%s", spec.MountPath, profile.mountTarget)},
		PortBindings: nat.PortMap{
			// Empty HostPort: the daemon picks a free one.
			profile.internalPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPULimit * 1e9),
			Memory:   spec.MemoryLimitMB * units.MiB,
		},
	}

	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.InstanceName)
	if err != nil {
		return domain.RuntimeHandle{}, fmt.Errorf("%w: %v", domain.ErrRuntimeCreateFailed, err)
	}

	if err := a.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		// Don't leave a half-created container behind; the caller will
		// retry Create with the same name.
		if rmErr := a.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true}); rmErr != nil {
			a.log.WithField("name", spec.InstanceName).WithError(rmErr).Warn("cleanup of failed container failed")
		}
		return domain.RuntimeHandle{}, fmt.Errorf("%w: start: %v", domain.ErrRuntimeCreateFailed, err)
	}

	port, err := a.hostPort(ctx, resp.ID, profile.internalPort)
	if err != nil {
		return domain.RuntimeHandle{}, fmt.Errorf("%w: %v", domain.ErrRuntimeCreateFailed, err)
	}

	a.log.WithFields(logrus.Fields{"name": spec.InstanceName, "image": profile.image, "port": port}).
		Info("container created")
	return domain.RuntimeHandle{ID: resp.ID, HostPort: port}, nil
}

// Start starts the named container. Already running is success.
func (a *Adapter) Start(ctx context.Context, instanceName string) error {
	if err := a.cli.ContainerStart(ctx, instanceName, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", instanceName, err)
	}
	return nil
}

// Stop stops the named container. Already stopped or absent is success.
func (a *Adapter) Stop(ctx context.Context, instanceName string) error {
	seconds := int(stopTimeout.Seconds())
	err := a.cli.ContainerStop(ctx, instanceName, container.StopOptions{Timeout: &seconds})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %s: %w", instanceName, err)
	}
	return nil
}

// Remove force-removes the named container. Absent is success.
func (a *Adapter) Remove(ctx context.Context, instanceName string) error {
	err := a.cli.ContainerRemove(ctx, instanceName, types.ContainerRemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", instanceName, err)
	}
	return nil
}

// Inspect returns the live state of the named container, or nil when the
// daemon has no record of it.
func (a *Adapter) Inspect(ctx context.Context, instanceName string) (*domain.RuntimeState, error) {
	insp, err := a.cli.ContainerInspect(ctx, instanceName)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect container %s: %w", instanceName, err)
	}

	state := &domain.RuntimeState{ID: insp.ID}
	if insp.State != nil {
		state.Running = insp.State.Running
		if t, err := time.Parse(time.RFC3339Nano, insp.State.StartedAt); err == nil && !t.IsZero() {
			state.StartedAt = &t
		}
	}
	if insp.NetworkSettings != nil {
		state.HostPort = firstHostPort(insp.NetworkSettings.Ports)
	}
	return state, nil
}

// Logs returns the last tailLines lines of the container's output,
// stdout and stderr interleaved.
func (a *Adapter) Logs(ctx context.Context, instanceName string, tailLines int) (string, error) {
	options := types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(tailLines),
	}
	reader, err := a.cli.ContainerLogs(ctx, instanceName, options)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("logs for %s: %w", instanceName, domain.ErrNotFound)
		}
		return "", fmt.Errorf("logs for %s: %w", instanceName, err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	// Engine log streams are multiplexed unless the container runs with
	// a TTY.
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", fmt.Errorf("read logs for %s: %w", instanceName, err)
	}
	return buf.String(), nil
}

func (a *Adapter) hostPort(ctx context.Context, containerID string, internal nat.Port) (int, error) {
	insp, err := a.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("inspect for port: %w", err)
	}
	if insp.NetworkSettings == nil {
		return 0, fmt.Errorf("no network settings for container %s", containerID)
	}
	bindings := insp.NetworkSettings.Ports[internal]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("no host binding for port %s on container %s", internal, containerID)
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("parse host port %q: %w", bindings[0].HostPort, err)
	}
	return port, nil
}

func firstHostPort(ports nat.PortMap) int {
	for _, bindings := range ports {
		for _, b := range bindings {
			if p, err := strconv.Atoi(b.HostPort); err == nil && p != 0 {
				return p
			}
		}
	}
	return 0
}
