package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Marker remembers which pending entries were already alerted.
type Marker interface {
	// Mark returns true the first time key is marked within ttl.
	Mark(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Clear(ctx context.Context, key string) error
}

// RedisMarker shares marks across replicas through SETNX.
type RedisMarker struct {
	client *redis.Client
	prefix string
}

func NewRedisMarker(client *redis.Client) *RedisMarker {
	if client == nil {
		panic("alerts: redis client cannot be nil")
	}
	return &RedisMarker{client: client, prefix: "chatpulse:alert:"}
}

func (m *RedisMarker) Mark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("alerts: mark %s: %w", key, err)
	}
	return ok, nil
}

func (m *RedisMarker) Clear(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, m.prefix+key).Err(); err != nil {
		return fmt.Errorf("alerts: clear %s: %w", key, err)
	}
	return nil
}

// MemoryMarker is the single-process Marker.
type MemoryMarker struct {
	mu    sync.Mutex
	marks map[string]time.Time
	now   func() time.Time
}

func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{marks: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryMarker) Mark(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if expires, ok := m.marks[key]; ok && now.Before(expires) {
		return false, nil
	}
	m.marks[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryMarker) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.marks, key)
	m.mu.Unlock()
	return nil
}
