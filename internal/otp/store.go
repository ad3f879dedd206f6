package otp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps codes in-process; used by tests and single-node runs.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]memRecord
}

type memRecord struct {
	rec       Record
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]memRecord)}
}

func (m *MemoryStore) Put(_ context.Context, requestID string, rec Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[requestID] = memRecord{rec: rec, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, requestID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.recs[requestID]
	if !ok || time.Now().After(e.expiresAt) {
		delete(m.recs, requestID)
		return Record{}, false, nil
	}
	return e.rec, true, nil
}

func (m *MemoryStore) Delete(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, requestID)
	return nil
}

// RedisStore keeps codes in redis under a TTL so expiry holds across
// processes.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func otpKey(requestID string) string { return "request:" + requestID + ":otp" }

func (r *RedisStore) Put(ctx context.Context, requestID string, rec Record, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal otp: %w", err)
	}
	return r.client.Set(ctx, otpKey(requestID), b, ttl).Err()
}

func (r *RedisStore) Get(ctx context.Context, requestID string) (Record, bool, error) {
	v, err := r.client.Get(ctx, otpKey(requestID)).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(v), &rec); err != nil {
		return Record{}, false, fmt.Errorf("unmarshal otp: %w", err)
	}
	return rec, true, nil
}

func (r *RedisStore) Delete(ctx context.Context, requestID string) error {
	return r.client.Del(ctx, otpKey(requestID)).Err()
}
