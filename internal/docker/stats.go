package docker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"

	"github.com/insien/insien/pkg/types"
)

// Stats takes a one-shot usage snapshot of a running container.
func (m *Manager) Stats(ctx context.Context, containerID string) (*types.SandboxStats, error) {
	resp, err := m.api.ContainerStats(ctx, containerID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats for %s: %w", containerID, err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode stats for %s: %w", containerID, err)
	}

	stats := deriveStats(&raw)
	return &stats, nil
}

// deriveStats reduces the engine's raw counters to the snapshot the API
// serves: cpu%% from the usage deltas scaled by online CPUs, memory%% from
// usage over limit, network totals summed across interfaces.
func deriveStats(raw *container.StatsResponse) types.SandboxStats {
	out := types.SandboxStats{
		MemoryUsageBytes: raw.MemoryStats.Usage,
		MemoryLimitBytes: raw.MemoryStats.Limit,
		PIDs:             raw.PidsStats.Current,
	}

	if raw.MemoryStats.Limit > 0 {
		out.MemoryPercent = float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit) * 100.0
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	onlineCPUs := float64(raw.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		// Older daemons omit OnlineCPUs; fall back to the per-CPU slice.
		onlineCPUs = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta > 0 && systemDelta > 0 {
		out.CPUPercent = cpuDelta / systemDelta * onlineCPUs * 100.0
	}

	for _, nw := range raw.Networks {
		out.NetworkRxBytes += nw.RxBytes
		out.NetworkTxBytes += nw.TxBytes
	}

	return out
}
