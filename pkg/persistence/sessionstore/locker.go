package sessionstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/grillo/pkg/interview"
)

// Locker grants exclusive turn processing for one session. TryLock never
// waits: a held lock yields interview.ErrTurnInFlight so the second
// submission is rejected instead of queued behind a slow engine call.
type Locker interface {
	TryLock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

var _ Locker = &MemoryLocker{}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: map[string]struct{}{}}
}

func (l *MemoryLocker) TryLock(_ context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[sessionID]; busy {
		return nil, errors.Wrapf(interview.ErrTurnInFlight, "session %s", sessionID)
	}
	l.held[sessionID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, sessionID)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether sessionID is currently locked.
func (l *MemoryLocker) Held(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[sessionID]
	return ok
}

// releaseScript deletes the lock key only if it still carries our token, so
// an expired lock taken over by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares turn locks between server instances. The lease bounds
// how long a crashed holder can block a session.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	lease  time.Duration
}

var _ Locker = &RedisLocker{}

func NewRedisLocker(client redis.UniversalClient, prefix string, lease time.Duration) *RedisLocker {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &RedisLocker{client: client, prefix: prefix, lease: lease}
}

func (l *RedisLocker) TryLock(ctx context.Context, sessionID string) (func(), error) {
	key := l.prefix + ":turnlock:" + sessionID
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis locker: acquire")
	}
	if !ok {
		return nil, errors.Wrapf(interview.ErrTurnInFlight, "session %s", sessionID)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
		})
	}, nil
}
