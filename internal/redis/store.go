package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/insien/insien/pkg/types"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("redis: not found")

// Key layout. The live record and the ports hash share the sandbox id; port
// reservations are keyed by host port so set-if-absent enforces uniqueness.
const (
	keyLivePrefix  = "sandbox:" // sandbox:<id> -> SandboxLive JSON
	keyPortsPrefix = "ports:"   // ports:<id>   -> hash containerPort -> hostPort
	keyPortPrefix  = "port:"    // port:<p>     -> PortAllocation JSON
	keyPortCounter = "ports:counter"
)

// Store is the ephemeral store backing sandbox live records and port
// allocations. All state here is reconstructible from scratch except port
// reservations, which are authoritative until their TTL lapses.
type Store struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection.
func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func liveKey(sandboxID string) string  { return keyLivePrefix + sandboxID }
func portsKey(sandboxID string) string { return keyPortsPrefix + sandboxID }
func portKey(hostPort int) string      { return keyPortPrefix + strconv.Itoa(hostPort) }

// PutLive stores the live record with a TTL covering the sandbox lifetime.
func (s *Store) PutLive(ctx context.Context, live *types.SandboxLive, ttl time.Duration) error {
	raw, err := json.Marshal(live)
	if err != nil {
		return fmt.Errorf("marshal live record: %w", err)
	}
	if err := s.rdb.Set(ctx, liveKey(live.SandboxID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("set live record: %w", err)
	}
	return nil
}

// GetLive fetches the live record for a sandbox. ErrNotFound when absent
// (destroyed or expired).
func (s *Store) GetLive(ctx context.Context, sandboxID string) (*types.SandboxLive, error) {
	raw, err := s.rdb.Get(ctx, liveKey(sandboxID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get live record: %w", err)
	}
	var live types.SandboxLive
	if err := json.Unmarshal(raw, &live); err != nil {
		return nil, fmt.Errorf("unmarshal live record: %w", err)
	}
	return &live, nil
}

// LiveExists reports whether a sandbox still has a live record.
func (s *Store) LiveExists(ctx context.Context, sandboxID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, liveKey(sandboxID)).Result()
	if err != nil {
		return false, fmt.Errorf("exists live record: %w", err)
	}
	return n > 0, nil
}

// DeleteLive removes the live record. Deleting an absent key is not an error.
func (s *Store) DeleteLive(ctx context.Context, sandboxID string) error {
	if err := s.rdb.Del(ctx, liveKey(sandboxID)).Err(); err != nil {
		return fmt.Errorf("delete live record: %w", err)
	}
	return nil
}

// UpdateLiveContainerID rewrites the container id while preserving the
// record's remaining TTL. Used after a port-exposure recreation.
func (s *Store) UpdateLiveContainerID(ctx context.Context, sandboxID, containerID string) error {
	live, err := s.GetLive(ctx, sandboxID)
	if err != nil {
		return err
	}
	ttl, err := s.rdb.TTL(ctx, liveKey(sandboxID)).Result()
	if err != nil {
		return fmt.Errorf("ttl live record: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Until(live.ExpiresAt)
		if ttl <= 0 {
			return ErrNotFound
		}
	}
	live.ContainerID = containerID
	return s.PutLive(ctx, live, ttl)
}

// NextPortCounter atomically advances the shared allocation counter.
func (s *Store) NextPortCounter(ctx context.Context) (int64, error) {
	n, err := s.rdb.Incr(ctx, keyPortCounter).Result()
	if err != nil {
		return 0, fmt.Errorf("incr port counter: %w", err)
	}
	return n, nil
}

// ReservePort claims a host port with set-if-absent semantics. Returns false
// when another sandbox already holds it.
func (s *Store) ReservePort(ctx context.Context, alloc *types.PortAllocation, ttl time.Duration) (bool, error) {
	raw, err := json.Marshal(alloc)
	if err != nil {
		return false, fmt.Errorf("marshal port allocation: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, portKey(alloc.HostPort), raw, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx port %d: %w", alloc.HostPort, err)
	}
	return ok, nil
}

// GetPortAllocation reads the reservation record for a host port.
func (s *Store) GetPortAllocation(ctx context.Context, hostPort int) (*types.PortAllocation, error) {
	raw, err := s.rdb.Get(ctx, portKey(hostPort)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get port %d: %w", hostPort, err)
	}
	var alloc types.PortAllocation
	if err := json.Unmarshal(raw, &alloc); err != nil {
		return nil, fmt.Errorf("unmarshal port %d: %w", hostPort, err)
	}
	return &alloc, nil
}

// ReleasePortKey drops the reservation for a host port.
func (s *Store) ReleasePortKey(ctx context.Context, hostPort int) error {
	if err := s.rdb.Del(ctx, portKey(hostPort)).Err(); err != nil {
		return fmt.Errorf("del port %d: %w", hostPort, err)
	}
	return nil
}

// SetPortMapping records containerPort -> hostPort in the sandbox's hash and
// keeps the hash TTL aligned with the reservation.
func (s *Store) SetPortMapping(ctx context.Context, sandboxID string, containerPort, hostPort int, ttl time.Duration) error {
	key := portsKey(sandboxID)
	if err := s.rdb.HSet(ctx, key, strconv.Itoa(containerPort), strconv.Itoa(hostPort)).Err(); err != nil {
		return fmt.Errorf("hset ports %s: %w", sandboxID, err)
	}
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire ports %s: %w", sandboxID, err)
	}
	return nil
}

// GetPortMapping looks up the host port bound to a container port.
func (s *Store) GetPortMapping(ctx context.Context, sandboxID string, containerPort int) (int, error) {
	v, err := s.rdb.HGet(ctx, portsKey(sandboxID), strconv.Itoa(containerPort)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("hget ports %s: %w", sandboxID, err)
	}
	hostPort, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("corrupt port mapping %s/%d: %w", sandboxID, containerPort, err)
	}
	return hostPort, nil
}

// GetPortMappings returns the full containerPort -> hostPort map of a
// sandbox. Missing hash yields an empty map.
func (s *Store) GetPortMappings(ctx context.Context, sandboxID string) (map[int]int, error) {
	fields, err := s.rdb.HGetAll(ctx, portsKey(sandboxID)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall ports %s: %w", sandboxID, err)
	}
	out := make(map[int]int, len(fields))
	for cp, hp := range fields {
		containerPort, err := strconv.Atoi(cp)
		if err != nil {
			continue
		}
		hostPort, err := strconv.Atoi(hp)
		if err != nil {
			continue
		}
		out[containerPort] = hostPort
	}
	return out, nil
}

// RemovePortMapping drops one reverse entry from the sandbox's hash.
func (s *Store) RemovePortMapping(ctx context.Context, sandboxID string, containerPort int) error {
	if err := s.rdb.HDel(ctx, portsKey(sandboxID), strconv.Itoa(containerPort)).Err(); err != nil {
		return fmt.Errorf("hdel ports %s: %w", sandboxID, err)
	}
	return nil
}

// DeletePortMappings drops the whole hash for a sandbox.
func (s *Store) DeletePortMappings(ctx context.Context, sandboxID string) error {
	if err := s.rdb.Del(ctx, portsKey(sandboxID)).Err(); err != nil {
		return fmt.Errorf("del ports %s: %w", sandboxID, err)
	}
	return nil
}

// ScanPortHashSandboxIDs walks ports:* keys and returns the sandbox ids that
// still hold allocation hashes. The shared counter key is skipped.
func (s *Store) ScanPortHashSandboxIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, keyPortsPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan ports keys: %w", err)
		}
		for _, key := range keys {
			if key == keyPortCounter {
				continue
			}
			ids = append(ids, key[len(keyPortsPrefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}
