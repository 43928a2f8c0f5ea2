// Package audiostore keeps synthesized interviewer audio for a short while so
// clients can fetch it by handle.
package audiostore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/grillo/pkg/interview"
)

const DefaultTTL = 10 * time.Minute

type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, handle string) ([]byte, error)
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

// Memory is a process-local Store.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]memEntry
}

var _ Store = &Memory{}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, entries: map[string]memEntry{}}
}

func (m *Memory) Put(_ context.Context, data []byte) (string, error) {
	h := uuid.NewString()
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if !e.expiresAt.After(now) {
			delete(m.entries, k)
		}
	}
	m.entries[h] = memEntry{data: append([]byte(nil), data...), expiresAt: now.Add(m.ttl)}
	return h, nil
}

func (m *Memory) Get(_ context.Context, handle string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[handle]
	if !ok || !e.expiresAt.After(m.now()) {
		delete(m.entries, handle)
		return nil, errors.Wrapf(interview.ErrNotFound, "audio %s", handle)
	}
	return e.data, nil
}

// Redis shares audio between instances.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Store = &Redis{}

func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "grillo"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(h string) string { return r.prefix + ":audio:" + h }

func (r *Redis) Put(ctx context.Context, data []byte) (string, error) {
	h := uuid.NewString()
	if err := r.client.Set(ctx, r.key(h), data, r.ttl).Err(); err != nil {
		return "", errors.Wrap(err, "redis audio store: set")
	}
	return h, nil
}

func (r *Redis) Get(ctx context.Context, handle string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(handle)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(interview.ErrNotFound, "audio %s", handle)
		}
		return nil, errors.Wrap(err, "redis audio store: get")
	}
	return data, nil
}
