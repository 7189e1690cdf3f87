package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/errdefs"
)

// DataMountPath is where the per-sandbox volume is mounted inside the
// container once a port has been exposed.
const DataMountPath = "/app/data"

// VolumeName returns the deterministic data volume name for a sandbox.
func VolumeName(sandboxID string) string {
	return "sandbox-data-" + sandboxID
}

// EnsureVolume creates the sandbox's data volume if it does not exist yet.
// VolumeCreate is idempotent for an existing name.
func (m *Manager) EnsureVolume(ctx context.Context, sandboxID string) (string, error) {
	name := VolumeName(sandboxID)
	_, err := m.api.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: map[string]string{LabelSandboxID: sandboxID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	return name, nil
}

// RemoveVolume removes the sandbox's data volume. A missing volume is not an
// error.
func (m *Manager) RemoveVolume(ctx context.Context, sandboxID string) error {
	name := VolumeName(sandboxID)
	if err := m.api.VolumeRemove(ctx, name, true); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove volume %s: %w", name, err)
	}
	return nil
}
