// Package reaper reclaims what the normal lifecycle missed: sandboxes past
// their tier lifetime, containers whose live record is gone, and port
// allocations pointing at dead sandboxes.
package reaper

import (
	"context"
	"log"
	"time"

	dockertypes "github.com/docker/docker/api/types"

	"github.com/insien/insien/internal/db"
	"github.com/insien/insien/internal/docker"
	"github.com/insien/insien/internal/metrics"
	"github.com/insien/insien/internal/ports"
	"github.com/insien/insien/internal/redis"
	"github.com/insien/insien/pkg/types"
)

// orphanGrace shields containers in the create window, where the container
// runs before the live record is written.
const orphanGrace = 5 * time.Minute

// Lister reads candidate rows for the expiry sweep.
type Lister interface {
	ListActiveSandboxes(ctx context.Context) ([]*db.Sandbox, error)
}

// Expirer runs the full teardown for one expired sandbox.
type Expirer interface {
	Expire(ctx context.Context, row *db.Sandbox) error
}

// Runtime is the container-manager slice the orphan sweep drives.
type Runtime interface {
	List(ctx context.Context) ([]dockertypes.Container, error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	RemoveVolume(ctx context.Context, sandboxID string) error
}

// Deps wires a Reaper. All fields are required.
type Deps struct {
	Store    Lister
	Expirer  Expirer
	Runtime  Runtime
	Live     *redis.Store
	Ports    *ports.Allocator
	Tiers    map[types.Tier]types.TierLimits
	Interval time.Duration
}

// Reaper runs three idempotent sweeps on a fixed interval. Every sweep logs
// and continues on per-item failure; a missed item is caught next round.
type Reaper struct {
	store    Lister
	expirer  Expirer
	runtime  Runtime
	live     *redis.Store
	ports    *ports.Allocator
	tiers    map[types.Tier]types.TierLimits
	interval time.Duration
}

func New(d Deps) *Reaper {
	return &Reaper{
		store:    d.Store,
		expirer:  d.Expirer,
		runtime:  d.Runtime,
		live:     d.Live,
		ports:    d.Ports,
		tiers:    d.Tiers,
		interval: d.Interval,
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	log.Printf("reaper: sweeping every %s", r.interval)
	r.Sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("reaper: stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs all three passes once.
func (r *Reaper) Sweep(ctx context.Context) {
	r.sweepExpired(ctx)
	r.sweepOrphanContainers(ctx)
	r.sweepOrphanPorts(ctx)
}

func (r *Reaper) sweepExpired(ctx context.Context) {
	rows, err := r.store.ListActiveSandboxes(ctx)
	if err != nil {
		log.Printf("reaper: listing active sandboxes: %v", err)
		return
	}

	now := time.Now()
	expired := 0
	for _, row := range rows {
		if now.Sub(row.CreatedAt) <= r.lifetimeFor(row) {
			continue
		}
		if err := r.expirer.Expire(ctx, row); err != nil {
			log.Printf("reaper: expiring sandbox %s: %v", row.ID, err)
			continue
		}
		metrics.ReaperReclaimedTotal.WithLabelValues("expired_sandbox").Inc()
		expired++
	}
	if expired > 0 {
		log.Printf("reaper: expired %d sandboxes", expired)
	}
}

// lifetimeFor reads the tier recorded at creation; rows with missing or
// unknown tier metadata age out on the shortest lifetime.
func (r *Reaper) lifetimeFor(row *db.Sandbox) time.Duration {
	tier, err := types.ParseTier(row.Metadata["tier"])
	if err != nil {
		tier = types.TierFree
	}
	if limits, ok := r.tiers[tier]; ok {
		return limits.Lifetime
	}
	return r.tiers[types.TierFree].Lifetime
}

func (r *Reaper) sweepOrphanContainers(ctx context.Context) {
	containers, err := r.runtime.List(ctx)
	if err != nil {
		log.Printf("reaper: listing containers: %v", err)
		return
	}

	for _, c := range containers {
		sandboxID := c.Labels[docker.LabelSandboxID]
		if sandboxID == "" {
			continue
		}
		if time.Since(time.Unix(c.Created, 0)) < orphanGrace {
			continue
		}
		alive, err := r.live.LiveExists(ctx, sandboxID)
		if err != nil {
			log.Printf("reaper: checking live record for %s: %v", sandboxID, err)
			continue
		}
		if alive {
			continue
		}

		log.Printf("reaper: removing orphan container for sandbox %s", sandboxID)
		if err := r.runtime.Stop(ctx, c.ID); err != nil {
			log.Printf("reaper: stopping orphan container for %s: %v", sandboxID, err)
		}
		if err := r.runtime.Remove(ctx, c.ID); err != nil {
			log.Printf("reaper: removing orphan container for %s: %v", sandboxID, err)
			continue
		}
		if err := r.runtime.RemoveVolume(ctx, sandboxID); err != nil {
			log.Printf("reaper: removing orphan volume for %s: %v", sandboxID, err)
		}
		metrics.ReaperReclaimedTotal.WithLabelValues("orphan_container").Inc()
	}
}

func (r *Reaper) sweepOrphanPorts(ctx context.Context) {
	ids, err := r.live.ScanPortHashSandboxIDs(ctx)
	if err != nil {
		log.Printf("reaper: scanning port allocations: %v", err)
		return
	}

	for _, sandboxID := range ids {
		alive, err := r.live.LiveExists(ctx, sandboxID)
		if err != nil {
			log.Printf("reaper: checking live record for %s: %v", sandboxID, err)
			continue
		}
		if alive {
			continue
		}
		if err := r.ports.ReleaseAll(ctx, sandboxID); err != nil {
			log.Printf("reaper: releasing orphaned ports for %s: %v", sandboxID, err)
			continue
		}
		metrics.ReaperReclaimedTotal.WithLabelValues("orphan_port").Inc()
		log.Printf("reaper: released orphaned ports for sandbox %s", sandboxID)
	}
}
