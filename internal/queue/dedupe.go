package queue

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupeStore reserves job ids. Reserve returns false when id is already held.
type DedupeStore interface {
	Reserve(ctx context.Context, id string, ttl time.Duration) (bool, error)
}

// MemoryDedupe holds reservations in process. Expired ids are swept lazily.
type MemoryDedupe struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	now       func() time.Time
	lastSweep time.Time
}

func NewMemoryDedupe() *MemoryDedupe {
	return &MemoryDedupe{seen: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDedupe) Reserve(_ context.Context, id string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.sweep(now, ttl)

	if exp, ok := d.seen[id]; ok && now.Before(exp) {
		return false, nil
	}
	d.seen[id] = now.Add(ttl)
	return true, nil
}

func (d *MemoryDedupe) sweep(now time.Time, ttl time.Duration) {
	if now.Sub(d.lastSweep) < ttl {
		return
	}
	for id, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, id)
		}
	}
	d.lastSweep = now
}

// Len returns the number of held reservations, expired or not.
func (d *MemoryDedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// RedisDedupe shares reservations across ingress replicas via SETNX.
type RedisDedupe struct {
	client redis.Cmdable
	prefix string
}

func NewRedisDedupe(client redis.Cmdable) *RedisDedupe {
	return &RedisDedupe{client: client, prefix: "queue:job:"}
}

func (d *RedisDedupe) Reserve(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+id, 1, ttl).Result()
}
