package ports

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"github.com/insien/insien/internal/docker"
	"github.com/insien/insien/internal/redis"
)

const agentReconnectTimeout = 30 * time.Second

// ExposeFailedError marks an exposure that failed after the old container
// was already stopped. The sandbox has no usable container left; the caller
// must destroy it.
type ExposeFailedError struct {
	SandboxID string
	Err       error
}

func (e *ExposeFailedError) Error() string {
	return fmt.Sprintf("port exposure left sandbox %s without a container: %v", e.SandboxID, e.Err)
}

func (e *ExposeFailedError) Unwrap() error { return e.Err }

// Runtime is the slice of the container manager the exposer drives.
type Runtime interface {
	Inspect(ctx context.Context, containerID string) (dockertypes.ContainerJSON, error)
	Create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error)
	Start(ctx context.Context, containerID string) error
	WaitRunning(ctx context.Context, containerID string, timeout time.Duration) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	EnsureVolume(ctx context.Context, sandboxID string) (string, error)
}

// AgentWaiter reports agent connectivity on the RPC hub.
type AgentWaiter interface {
	HasAgent(sandboxID string) bool
	WaitForAgent(ctx context.Context, sandboxID string, timeout time.Duration) bool
}

// Result is the outcome of an exposure. AgentReconnected is an observable,
// not a success flag: the mapping holds even when the agent misses the
// window.
type Result struct {
	HostPort         int
	ContainerID      string
	AgentReconnected bool
}

// Exposer publishes container ports on stable host ports. Docker cannot add
// port bindings to a running container, so exposure recreates it with the
// merged bindings while the allocation pins the host port across the swap.
type Exposer struct {
	runtime Runtime
	hub     AgentWaiter
	alloc   *Allocator
	store   *redis.Store

	startupTimeout time.Duration
	reconnectWait  time.Duration
}

// NewExposer creates an exposer. startupTimeout bounds the replacement
// container's boot.
func NewExposer(runtime Runtime, hub AgentWaiter, alloc *Allocator, store *redis.Store, startupTimeout time.Duration) *Exposer {
	return &Exposer{
		runtime:        runtime,
		hub:            hub,
		alloc:          alloc,
		store:          store,
		startupTimeout: startupTimeout,
		reconnectWait:  agentReconnectTimeout,
	}
}

// Expose binds containerPort to a host port, recreating the container with
// the new binding. Exposing an already-exposed port returns the existing
// mapping without touching the container.
func (e *Exposer) Expose(ctx context.Context, sandboxID, containerID string, containerPort int, ttl time.Duration) (*Result, error) {
	if hostPort, ok, err := e.alloc.Lookup(ctx, sandboxID, containerPort); err != nil {
		return nil, err
	} else if ok {
		return &Result{
			HostPort:         hostPort,
			ContainerID:      containerID,
			AgentReconnected: e.hub.HasAgent(sandboxID),
		}, nil
	}

	hostPort, err := e.alloc.Allocate(ctx, sandboxID, containerPort, ttl)
	if err != nil {
		return nil, err
	}

	volumeName, err := e.runtime.EnsureVolume(ctx, sandboxID)
	if err != nil {
		e.rollbackPort(ctx, hostPort)
		return nil, err
	}

	info, err := e.runtime.Inspect(ctx, containerID)
	if err != nil {
		e.rollbackPort(ctx, hostPort)
		return nil, err
	}
	cfg, host := mergeBinding(info, containerPort, hostPort, volumeName)

	if err := e.runtime.Stop(ctx, containerID); err != nil {
		e.rollbackPort(ctx, hostPort)
		return nil, err
	}

	// Point of no return: the old container is stopped. Failures from here
	// on leave the sandbox without a container.
	if err := e.runtime.Remove(ctx, containerID); err != nil {
		return nil, &ExposeFailedError{SandboxID: sandboxID, Err: err}
	}

	newID, err := e.runtime.Create(ctx, docker.ContainerName(sandboxID), cfg, host)
	if err != nil {
		return nil, &ExposeFailedError{SandboxID: sandboxID, Err: err}
	}
	if err := e.runtime.Start(ctx, newID); err != nil {
		return nil, &ExposeFailedError{SandboxID: sandboxID, Err: err}
	}
	if err := e.runtime.WaitRunning(ctx, newID, e.startupTimeout); err != nil {
		return nil, &ExposeFailedError{SandboxID: sandboxID, Err: err}
	}

	if err := e.store.UpdateLiveContainerID(ctx, sandboxID, newID); err != nil {
		return nil, &ExposeFailedError{SandboxID: sandboxID, Err: err}
	}

	reconnected := e.hub.WaitForAgent(ctx, sandboxID, e.reconnectWait)

	return &Result{HostPort: hostPort, ContainerID: newID, AgentReconnected: reconnected}, nil
}

// rollbackPort frees a port allocated for an exposure that never happened.
func (e *Exposer) rollbackPort(ctx context.Context, hostPort int) {
	_ = e.alloc.Release(ctx, hostPort)
}

// mergeBinding clones the inspected container's config and host config,
// keeping env, labels, resources, hardening and every existing binding, and
// adds the new port plus the data volume bind.
func mergeBinding(info dockertypes.ContainerJSON, containerPort, hostPort int, volumeName string) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{}
	if info.Config != nil {
		clone := *info.Config
		clone.Labels = maps.Clone(info.Config.Labels)
		clone.Env = slices.Clone(info.Config.Env)
		cfg = &clone
	}

	host := &container.HostConfig{}
	if info.HostConfig != nil {
		host = info.HostConfig
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	if cfg.ExposedPorts == nil {
		cfg.ExposedPorts = nat.PortSet{}
	}
	cfg.ExposedPorts[port] = struct{}{}

	if host.PortBindings == nil {
		host.PortBindings = nat.PortMap{}
	}
	host.PortBindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}}

	bind := volumeName + ":" + docker.DataMountPath + ":rw"
	if !slices.Contains(host.Binds, bind) {
		host.Binds = append(host.Binds, bind)
	}

	return cfg, host
}
