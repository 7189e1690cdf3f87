package docker

import (
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"

	"github.com/insien/insien/pkg/types"
)

// Labels stamped on every sandbox container and volume. The reaper trusts
// these to find resources this orchestrator owns.
const (
	LabelSandboxID = "insien.sandbox.id"
	LabelTier      = "insien.sandbox.tier"
	LabelCreated   = "insien.sandbox.created"
)

// Hardening applied to every sandbox regardless of tier.
const (
	cpuPeriodMicros  = 100_000
	pidsLimit        = 256
	shmSizeBytes     = 64 * 1024 * 1024
	workDir          = "/app"
	tmpfsTmp         = "rw,exec,size=128m" // compile artifacts need exec
	tmpfsVarTmp      = "rw,noexec,size=32m"
	nofileSoft       = 4096
	nofileHard       = 8192
	nprocSoft        = 256
	nprocHard        = 512
	securityOptNoNew = "no-new-privileges:true"
)

var dnsServers = []string{"1.1.1.1", "8.8.8.8"}

// Spec is everything needed for the first creation of a sandbox container.
// Recreations (port exposure) clone the running container instead.
type Spec struct {
	SandboxID       string
	Image           string
	Tier            types.Tier
	Limits          types.ResourceLimits
	AgentToken      string
	OrchestratorURL string
}

// ContainerName returns the deterministic container name for a sandbox.
func ContainerName(sandboxID string) string {
	return "sandbox-" + sandboxID
}

// composeSpec turns a Spec into the Docker create payload: agent environment,
// ownership labels, tier resource caps and the hardening baseline.
func composeSpec(s Spec) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:      s.Image,
		WorkingDir: workDir,
		Env: []string{
			"ORCHESTRATOR_URL=" + s.OrchestratorURL,
			"AGENT_TOKEN=" + s.AgentToken,
			"SANDBOX_ID=" + s.SandboxID,
			"SANDBOX_TIER=" + string(s.Tier),
			fmt.Sprintf("SANDBOX_MEMORY_MB=%d", s.Limits.MemoryMB),
			fmt.Sprintf("SANDBOX_CPU_SHARES=%d", s.Limits.CPUShares),
		},
		Labels: map[string]string{
			LabelSandboxID: s.SandboxID,
			LabelTier:      string(s.Tier),
			LabelCreated:   time.Now().UTC().Format(time.RFC3339),
		},
	}

	memory := s.Limits.MemoryMB * 1024 * 1024
	pids := int64(pidsLimit)
	host := &container.HostConfig{
		Resources: container.Resources{
			Memory:            memory,
			MemorySwap:        memory, // same as Memory: swap disabled
			MemoryReservation: memory / 2,
			CPUShares:         s.Limits.CPUShares,
			CPUPeriod:         cpuPeriodMicros,
			CPUQuota:          s.Limits.CPUShares * cpuPeriodMicros / 1024,
			PidsLimit:         &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: nofileSoft, Hard: nofileHard},
				{Name: "nproc", Soft: nprocSoft, Hard: nprocHard},
			},
		},
		SecurityOpt: []string{securityOptNoNew},
		Tmpfs: map[string]string{
			"/tmp":     tmpfsTmp,
			"/var/tmp": tmpfsVarTmp,
		},
		ShmSize:       shmSizeBytes,
		DNS:           dnsServers,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}

	return cfg, host
}
