package sandbox

import (
	"fmt"

	"github.com/insien/insien/pkg/types"
)

// Grading thresholds, in percent of the tier limit.
const (
	memCriticalPct   = 95.0
	memWarningPct    = 90.0
	cpuWarningPct    = 90.0
	memIncreasePct   = 80.0
	memDecreasePct   = 20.0
	cpuContentionPct = 80.0

	highNetworkBytes = 100 << 20 // rx+tx
)

// analyzeStats derives limit violations and sizing recommendations from one
// usage snapshot.
func analyzeStats(s types.SandboxStats) ([]types.Violation, []string) {
	violations := []types.Violation{}
	switch {
	case s.MemoryPercent > memCriticalPct:
		violations = append(violations, types.Violation{
			Resource: "memory",
			Severity: "critical",
			Message:  fmt.Sprintf("memory usage at %.1f%% of limit", s.MemoryPercent),
		})
	case s.MemoryPercent > memWarningPct:
		violations = append(violations, types.Violation{
			Resource: "memory",
			Severity: "warning",
			Message:  fmt.Sprintf("memory usage at %.1f%% of limit", s.MemoryPercent),
		})
	}
	if s.CPUPercent > cpuWarningPct {
		violations = append(violations, types.Violation{
			Resource: "cpu",
			Severity: "warning",
			Message:  fmt.Sprintf("cpu usage at %.1f%%", s.CPUPercent),
		})
	}

	recommendations := []string{}
	switch {
	case s.MemoryPercent > memIncreasePct:
		recommendations = append(recommendations, "memory usage is high, consider a tier with a larger memory limit")
	case s.MemoryPercent < memDecreasePct:
		recommendations = append(recommendations, "memory usage is low, a smaller tier may be sufficient")
	}
	if s.CPUPercent > cpuContentionPct {
		recommendations = append(recommendations, "cpu usage is high, the workload may be experiencing contention")
	}
	if s.NetworkRxBytes+s.NetworkTxBytes > highNetworkBytes {
		recommendations = append(recommendations, "network traffic is high")
	}
	return violations, recommendations
}
