package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	startupPollInterval = 500 * time.Millisecond
	startupLogTail      = 20
	stopTimeoutSeconds  = 5
)

// StartupError reports a container that exited before reaching running
// state. TailLogs carries the last lines of its output for diagnosis.
type StartupError struct {
	ExitCode int
	Status   string
	TailLogs string
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("container exited during startup (status=%s, exit code %d)", e.Status, e.ExitCode)
}

// EnsureImage makes the image available locally, pulling it when missing.
func (m *Manager) EnsureImage(ctx context.Context, ref string) error {
	_, _, err := m.api.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	log.Printf("docker: pulling image %s", ref)
	reader, err := m.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// Create creates a container from an explicit config pair. Returns the
// container ID.
func (m *Manager) Create(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := m.api.ContainerCreate(ctx, cfg, host, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}
	return resp.ID, nil
}

// Start starts a created container.
func (m *Manager) Start(ctx context.Context, containerID string) error {
	if err := m.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// WaitRunning polls the container until it reports running. A container that
// exits first yields a *StartupError with its last log lines.
func (m *Manager) WaitRunning(ctx context.Context, containerID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		info, err := m.api.ContainerInspect(ctx, containerID)
		if err != nil {
			return fmt.Errorf("failed to inspect container %s: %w", containerID, err)
		}
		if state := info.State; state != nil {
			if state.Running {
				return nil
			}
			if state.Status == "exited" || state.Status == "dead" {
				logs, logErr := m.TailLogs(ctx, containerID, startupLogTail)
				if logErr != nil {
					log.Printf("docker: failed to read startup logs for %s: %v", containerID, logErr)
				}
				return &StartupError{ExitCode: state.ExitCode, Status: state.Status, TailLogs: logs}
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("container %s not running after %s", containerID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startupPollInterval):
		}
	}
}

// CreateAndStart runs the full creation sequence: ensure image, create,
// start, wait for running. Any failure after creation tears the partial
// container down so a failed sandbox never leaks.
func (m *Manager) CreateAndStart(ctx context.Context, spec Spec, startupTimeout time.Duration) (string, error) {
	if err := m.EnsureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	cfg, host := composeSpec(spec)
	containerID, err := m.Create(ctx, ContainerName(spec.SandboxID), cfg, host)
	if err != nil {
		return "", err
	}

	if err := m.Start(ctx, containerID); err != nil {
		m.cleanupPartial(containerID)
		return "", err
	}

	if err := m.WaitRunning(ctx, containerID, startupTimeout); err != nil {
		m.cleanupPartial(containerID)
		return "", err
	}

	return containerID, nil
}

// cleanupPartial stops and removes a container that never became a sandbox.
// Best-effort with its own deadline: the caller's context may already be
// dead.
func (m *Manager) cleanupPartial(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.Stop(ctx, containerID); err != nil {
		log.Printf("docker: cleanup stop %s: %v", containerID, err)
	}
	if err := m.Remove(ctx, containerID); err != nil {
		log.Printf("docker: cleanup remove %s: %v", containerID, err)
	}
}

// Stop stops a container, killing it after the grace period. A container
// that is already gone is not an error.
func (m *Manager) Stop(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSeconds
	err := m.api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// Remove force-removes a container. A container that is already gone is not
// an error.
func (m *Manager) Remove(ctx context.Context, containerID string) error {
	err := m.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// Inspect returns the full container state.
func (m *Manager) Inspect(ctx context.Context, containerID string) (types.ContainerJSON, error) {
	info, err := m.api.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.ContainerJSON{}, fmt.Errorf("container %s not found: %w", containerID, err)
		}
		return types.ContainerJSON{}, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return info, nil
}

// IsNotFound reports whether an error is the daemon's not-found answer.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// List returns every container carrying the sandbox ownership label,
// including stopped ones.
func (m *Manager) List(ctx context.Context) ([]types.Container, error) {
	containers, err := m.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelSandboxID)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sandbox containers: %w", err)
	}
	return containers, nil
}

// TailLogs returns the last n lines of a container's combined output.
func (m *Manager) TailLogs(ctx context.Context, containerID string, lines int) (string, error) {
	reader, err := m.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read logs for %s: %w", containerID, err)
	}
	defer reader.Close()

	// Engine log streams are multiplexed; demux both channels into one buffer.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", fmt.Errorf("failed to decode logs for %s: %w", containerID, err)
	}
	return buf.String(), nil
}
