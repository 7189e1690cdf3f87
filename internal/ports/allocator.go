// Package ports allocates stable host ports for sandboxes and rebuilds
// containers so newly exposed ports survive the recreation.
package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/insien/insien/internal/metrics"
	"github.com/insien/insien/internal/redis"
	"github.com/insien/insien/pkg/types"
)

// ErrNoPortsAvailable is returned when every port in the configured range is
// reserved.
var ErrNoPortsAvailable = errors.New("no ports available in allocation range")

// Allocator hands out host ports from a fixed range. Reservations live in
// Redis so they survive process restarts and are shared across replicas; the
// rotating counter spreads candidates instead of hammering the range start.
type Allocator struct {
	store *redis.Store
	start int
	end   int // exclusive
}

// NewAllocator creates an allocator over [start, end).
func NewAllocator(store *redis.Store, start, end int) *Allocator {
	return &Allocator{store: store, start: start, end: end}
}

// Allocate reserves a host port for a sandbox's container port. The
// reservation TTL matches the sandbox lifetime so abandoned ports free
// themselves. Returns ErrNoPortsAvailable once the whole range was probed.
func (a *Allocator) Allocate(ctx context.Context, sandboxID string, containerPort int, ttl time.Duration) (int, error) {
	rangeSize := a.end - a.start
	for attempt := 0; attempt < rangeSize; attempt++ {
		counter, err := a.store.NextPortCounter(ctx)
		if err != nil {
			return 0, err
		}
		candidate := a.start + int(counter%int64(rangeSize))

		ok, err := a.store.ReservePort(ctx, &types.PortAllocation{
			HostPort:      candidate,
			SandboxID:     sandboxID,
			ContainerPort: containerPort,
			AllocatedAt:   time.Now().UTC(),
		}, ttl)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue // taken, probe the next candidate
		}

		if err := a.store.SetPortMapping(ctx, sandboxID, containerPort, candidate, ttl); err != nil {
			// Roll the reservation back so the port is not leaked.
			if relErr := a.store.ReleasePortKey(ctx, candidate); relErr != nil {
				return 0, fmt.Errorf("record port mapping: %w (release failed: %v)", err, relErr)
			}
			return 0, fmt.Errorf("record port mapping: %w", err)
		}
		metrics.PortsAllocated.Inc()
		return candidate, nil
	}
	return 0, ErrNoPortsAvailable
}

// Release frees one host port and its reverse mapping. Releasing a port that
// is not reserved is not an error.
func (a *Allocator) Release(ctx context.Context, hostPort int) error {
	alloc, err := a.store.GetPortAllocation(ctx, hostPort)
	if errors.Is(err, redis.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := a.store.RemovePortMapping(ctx, alloc.SandboxID, alloc.ContainerPort); err != nil {
		return err
	}
	if err := a.store.ReleasePortKey(ctx, hostPort); err != nil {
		return err
	}
	metrics.PortsAllocated.Dec()
	return nil
}

// ReleaseAll frees every port held by a sandbox, then drops its mapping
// hash. Used on destroy and by the reaper.
func (a *Allocator) ReleaseAll(ctx context.Context, sandboxID string) error {
	mappings, err := a.store.GetPortMappings(ctx, sandboxID)
	if err != nil {
		return err
	}
	for _, hostPort := range mappings {
		if err := a.store.ReleasePortKey(ctx, hostPort); err != nil {
			return err
		}
		metrics.PortsAllocated.Dec()
	}
	return a.store.DeletePortMappings(ctx, sandboxID)
}

// Lookup returns the host port already bound to a container port, if any.
func (a *Allocator) Lookup(ctx context.Context, sandboxID string, containerPort int) (int, bool, error) {
	hostPort, err := a.store.GetPortMapping(ctx, sandboxID, containerPort)
	if errors.Is(err, redis.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return hostPort, true, nil
}

// Bindings snapshots all containerPort -> hostPort mappings of a sandbox.
func (a *Allocator) Bindings(ctx context.Context, sandboxID string) (map[int]int, error) {
	return a.store.GetPortMappings(ctx, sandboxID)
}
