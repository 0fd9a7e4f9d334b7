package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard records which trips have an open dispatch cycle. A claim lives
// until Release or until its ttl passes, whichever comes first.
type Guard interface {
	Acquire(ctx context.Context, tripID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, tripID string) error
}

// MemoryGuard is a Guard for a single process.
type MemoryGuard struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{claims: make(map[string]time.Time), now: time.Now}
}

func (g *MemoryGuard) Acquire(_ context.Context, tripID string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if exp, ok := g.claims[tripID]; ok && now.Before(exp) {
		return false, nil
	}
	g.claims[tripID] = now.Add(ttl)
	g.gcLocked(now)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, tripID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, tripID)
	return nil
}

// gcLocked drops expired claims once the map grows.
func (g *MemoryGuard) gcLocked(now time.Time) {
	if len(g.claims) < 1024 {
		return
	}
	for id, exp := range g.claims {
		if !now.Before(exp) {
			delete(g.claims, id)
		}
	}
}

// RedisGuard shares claims between server replicas with SET NX PX.
type RedisGuard struct {
	client *redis.Client
	prefix string
}

func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client, prefix: "dispatch:active:"}
}

func (g *RedisGuard) Acquire(ctx context.Context, tripID string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+tripID, time.Now().UnixMilli(), ttl).Result()
}

func (g *RedisGuard) Release(ctx context.Context, tripID string) error {
	return g.client.Del(ctx, g.prefix+tripID).Err()
}
