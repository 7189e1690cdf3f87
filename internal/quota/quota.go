package quota

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/insien/insien/internal/metrics"
	"github.com/insien/insien/pkg/types"
)

// Admission scopes, in the order they are checked.
const (
	ScopeTier       = "tier"
	ScopeCredential = "credential"
	ScopeSystem     = "system"
)

// ExceededError reports which cap blocked admission. The API layer maps it
// to 429.
type ExceededError struct {
	Scope string
	Limit int
}

func (e *ExceededError) Error() string {
	switch e.Scope {
	case ScopeCredential:
		return fmt.Sprintf("Maximum sandboxes per API key reached (%d)", e.Limit)
	case ScopeSystem:
		return fmt.Sprintf("System sandbox capacity reached (%d)", e.Limit)
	default:
		return fmt.Sprintf("Maximum sandboxes limit reached (%d)", e.Limit)
	}
}

// Counter is the slice of the persistent store the quota manager reads.
// Counts cover rows with status active only.
type Counter interface {
	CountActiveSandboxesByUser(ctx context.Context, userID uuid.UUID) (int, error)
	CountActiveSandboxesByCredential(ctx context.Context, credentialID uuid.UUID) (int, error)
	CountActiveSandboxesGlobal(ctx context.Context) (int, error)
}

// Limits are the tier-independent caps.
type Limits struct {
	PerCredential int
	System        int
}

// Manager enforces sandbox admission caps at three scopes: the user's tier
// allowance, a per-API-key cap, and a system-wide cap. Counts are read from
// the persistent store inside the request; concurrent creates may briefly
// over-admit, which is acceptable.
type Manager struct {
	store  Counter
	limits Limits
	tiers  map[types.Tier]types.TierLimits
}

// NewManager creates a quota manager.
func NewManager(store Counter, limits Limits, tiers map[types.Tier]types.TierLimits) *Manager {
	return &Manager{store: store, limits: limits, tiers: tiers}
}

// Admit checks all three scopes in order and returns an *ExceededError for
// the first cap that is already full.
func (m *Manager) Admit(ctx context.Context, userID, credentialID uuid.UUID, tier types.Tier) error {
	tierLimits, ok := m.tiers[tier]
	if !ok {
		return fmt.Errorf("unknown tier %q", tier)
	}

	userCount, err := m.store.CountActiveSandboxesByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("count user sandboxes: %w", err)
	}
	if userCount >= tierLimits.MaxSandboxes {
		metrics.QuotaRejectionsTotal.WithLabelValues(ScopeTier).Inc()
		return &ExceededError{Scope: ScopeTier, Limit: tierLimits.MaxSandboxes}
	}

	credCount, err := m.store.CountActiveSandboxesByCredential(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("count credential sandboxes: %w", err)
	}
	if credCount >= m.limits.PerCredential {
		metrics.QuotaRejectionsTotal.WithLabelValues(ScopeCredential).Inc()
		return &ExceededError{Scope: ScopeCredential, Limit: m.limits.PerCredential}
	}

	total, err := m.store.CountActiveSandboxesGlobal(ctx)
	if err != nil {
		return fmt.Errorf("count system sandboxes: %w", err)
	}
	if total >= m.limits.System {
		metrics.QuotaRejectionsTotal.WithLabelValues(ScopeSystem).Inc()
		return &ExceededError{Scope: ScopeSystem, Limit: m.limits.System}
	}

	return nil
}

// Usage reports live counts against their caps for every admission scope.
func (m *Manager) Usage(ctx context.Context, userID, credentialID uuid.UUID, tier types.Tier) (*types.QuotaUsageResponse, error) {
	tierLimits, ok := m.tiers[tier]
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}

	userCount, err := m.store.CountActiveSandboxesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count user sandboxes: %w", err)
	}
	credCount, err := m.store.CountActiveSandboxesByCredential(ctx, credentialID)
	if err != nil {
		return nil, fmt.Errorf("count credential sandboxes: %w", err)
	}
	total, err := m.store.CountActiveSandboxesGlobal(ctx)
	if err != nil {
		return nil, fmt.Errorf("count system sandboxes: %w", err)
	}

	return &types.QuotaUsageResponse{
		Tier:   tier,
		Limits: tierLimits,
		Usage: map[string]types.QuotaScopeUsage{
			ScopeTier:       {Active: userCount, Limit: tierLimits.MaxSandboxes},
			ScopeCredential: {Active: credCount, Limit: m.limits.PerCredential},
			ScopeSystem:     {Active: total, Limit: m.limits.System},
		},
	}, nil
}
