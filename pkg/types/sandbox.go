package types

import (
	"fmt"
	"time"
)

// Tier is a subscription tier controlling resource caps and lifetime.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// TierLimits holds the resource caps for one tier.
type TierLimits struct {
	MaxSandboxes int           `json:"maxSandboxes"`
	MemoryMB     int64         `json:"memoryMB"`
	CPUShares    int64         `json:"cpuShares"`
	StorageMB    int64         `json:"storageMB"`
	Lifetime     time.Duration `json:"-"`
}

// defaultTiers is the closed tier table.
var defaultTiers = map[Tier]TierLimits{
	TierFree:       {MaxSandboxes: 2, MemoryMB: 512, CPUShares: 512, StorageMB: 1024, Lifetime: 1 * time.Hour},
	TierPro:        {MaxSandboxes: 5, MemoryMB: 2048, CPUShares: 1024, StorageMB: 5120, Lifetime: 12 * time.Hour},
	TierEnterprise: {MaxSandboxes: 20, MemoryMB: 8192, CPUShares: 2048, StorageMB: 20480, Lifetime: 48 * time.Hour},
}

// Tiers returns a copy of the tier table so callers can apply overrides.
func Tiers() map[Tier]TierLimits {
	out := make(map[Tier]TierLimits, len(defaultTiers))
	for k, v := range defaultTiers {
		out[k] = v
	}
	return out
}

// ParseTier validates a tier name. Empty input defaults to free.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case "":
		return TierFree, nil
	case TierFree, TierPro, TierEnterprise:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// ResourceLimits is the per-sandbox slice of its tier caps, echoed in API
// responses and injected into the container environment.
type ResourceLimits struct {
	MemoryMB  int64 `json:"memoryMB"`
	CPUShares int64 `json:"cpuShares"`
	StorageMB int64 `json:"storageMB"`
}

// SandboxLive is the ephemeral projection of a sandbox kept in Redis for the
// duration of its lifetime. If a live record exists, the persistent row is
// active. Exposed ports live in a companion hash keyed by sandbox id.
type SandboxLive struct {
	SandboxID            string         `json:"sandboxId"`
	UserID               string         `json:"userId"`
	CredentialID         string         `json:"credentialId"`
	ContainerID          string         `json:"containerId"`
	Tier                 Tier           `json:"tier"`
	Image                string         `json:"image"`
	CreatedAt            time.Time      `json:"createdAt"`
	ExpiresAt            time.Time      `json:"expiresAt"`
	Limits               ResourceLimits `json:"limits"`
	AllowUnauthenticated bool           `json:"allowUnauthenticated,omitempty"`
}

// PortAllocation records one host port held by a sandbox.
type PortAllocation struct {
	HostPort      int       `json:"hostPort"`
	SandboxID     string    `json:"sandboxId"`
	ContainerPort int       `json:"containerPort"`
	AllocatedAt   time.Time `json:"allocatedAt"`
}

// CreateSandboxRequest is the body of POST /sandbox/create.
type CreateSandboxRequest struct {
	Tier string `json:"tier,omitempty"` // default "free"
}

// CreateSandboxResponse is returned once the container reached running state.
type CreateSandboxResponse struct {
	SandboxID      string         `json:"sandboxId"`
	AgentURL       string         `json:"agentUrl"`
	Tier           Tier           `json:"tier"`
	ResourceLimits ResourceLimits `json:"resourceLimits"`
	ExpiresAt      time.Time      `json:"expiresAt"`
}

// SandboxStatusResponse is returned by GET /sandbox/:id/status.
type SandboxStatusResponse struct {
	SandboxID       string    `json:"sandboxId"`
	Connected       bool      `json:"connected"`
	CreatedAt       time.Time `json:"createdAt"`
	Status          string    `json:"status"`
	ContainerStatus string    `json:"containerStatus"`
}

// ExposePortRequest is the body of POST /sandbox/:id/expose.
type ExposePortRequest struct {
	ContainerPort int `json:"containerPort"`
}

// ExposePortResponse reports the stable host mapping for a container port.
// AgentReconnected is an observable, not a success flag: the mapping is
// valid even when the agent misses the reconnect window.
type ExposePortResponse struct {
	HostPort         int    `json:"hostPort"`
	URL              string `json:"url"`
	AgentReconnected bool   `json:"agentReconnected"`
}

// PortMapping is one entry of GET /sandbox/:id/ports.
type PortMapping struct {
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort"`
	URL           string `json:"url"`
}

// PortsResponse lists all exposed ports of a sandbox.
type PortsResponse struct {
	Ports []PortMapping `json:"ports"`
}

// SandboxStats is a point-in-time resource usage snapshot.
type SandboxStats struct {
	MemoryUsageBytes uint64  `json:"memoryUsageBytes"`
	MemoryLimitBytes uint64  `json:"memoryLimitBytes"`
	MemoryPercent    float64 `json:"memoryPercent"`
	CPUPercent       float64 `json:"cpuPercent"`
	NetworkRxBytes   uint64  `json:"networkRxBytes"`
	NetworkTxBytes   uint64  `json:"networkTxBytes"`
	PIDs             uint64  `json:"pids"`
}

// Violation flags a limit breach observed in a stats snapshot.
type Violation struct {
	Resource string `json:"resource"`
	Severity string `json:"severity"` // "warning" or "critical"
	Message  string `json:"message"`
}

// StatsResponse is returned by GET /sandbox/:id/stats.
type StatsResponse struct {
	Stats           SandboxStats   `json:"stats"`
	ResourceLimits  ResourceLimits `json:"resourceLimits"`
	Violations      []Violation    `json:"violations"`
	Recommendations []string       `json:"recommendations"`
	Tier            Tier           `json:"tier"`
}

// QuotaScopeUsage pairs a live count with its cap for one admission scope.
type QuotaScopeUsage struct {
	Active int `json:"active"`
	Limit  int `json:"limit"`
}

// QuotaUsageResponse is returned by GET /sandbox/quota/usage.
type QuotaUsageResponse struct {
	Usage  map[string]QuotaScopeUsage `json:"usage"`
	Limits TierLimits                 `json:"limits"`
	Tier   Tier                       `json:"tier"`
}

// ExecuteRequest is the body of POST /sandbox/execute.
type ExecuteRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Timeout  int    `json:"timeout,omitempty"` // seconds, default 30
	Tier     string `json:"tier,omitempty"`
}

// ExecuteResponse carries the outcome of a one-shot code execution.
// CompileResult is present only for compiled languages.
type ExecuteResponse struct {
	Success       bool           `json:"success"`
	Stdout        string         `json:"stdout"`
	Stderr        string         `json:"stderr"`
	ExitCode      int            `json:"exitCode"`
	CompileResult *CompileResult `json:"compileResult,omitempty"`
}

// CompileResult is the compile step outcome for compiled languages.
type CompileResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}
