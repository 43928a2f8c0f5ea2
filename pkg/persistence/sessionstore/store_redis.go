package sessionstore

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/grillo/pkg/interview"
)

// maxOptimisticRetries bounds WATCH/MULTI retries when two writers race on
// the same session key.
const maxOptimisticRetries = 8

// RedisStore keeps one JSON document per session, expiring with the key TTL.
// It is the preferred backend when several server instances share sessions.
type RedisStore struct {
	client redis.UniversalClient
	opts   options
}

var _ Store = &RedisStore{}

// NewRedisStore wraps an existing client. The store does not own the client
// unless Close is called.
func NewRedisStore(client redis.UniversalClient, opts ...Option) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis session store: nil client")
	}
	return &RedisStore{client: client, opts: buildOptions(opts)}, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) key(id string) string {
	return s.opts.prefix + ":session:" + id
}

func (s *RedisStore) Create(ctx context.Context, md interview.Metadata) (*interview.Session, error) {
	sess := s.opts.newSession(md)
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, errors.Wrap(err, "redis session store: marshal")
	}
	ok, err := s.client.SetNX(ctx, s.key(sess.ID), data, s.opts.ttlFor(sess)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis session store: create")
	}
	if !ok {
		return nil, errors.Errorf("redis session store: duplicate session id %s", sess.ID)
	}
	return sess, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*interview.Session, error) {
	id, err := normalizeID(id)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, s.client, id)
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c redisGetter, id string) (*interview.Session, error) {
	data, err := c.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(interview.ErrNotFound, "session %s", id)
		}
		return nil, errors.Wrap(err, "redis session store: get")
	}
	var sess interview.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, errors.Wrap(err, "redis session store: unmarshal")
	}
	return &sess, nil
}

// Update performs an optimistic compare-and-set on the session key. A
// concurrent writer makes the transaction fail and the mutation is re-run
// against the fresh value, so no append is lost or applied twice.
func (s *RedisStore) Update(ctx context.Context, id string, fn Mutation) (*interview.Session, error) {
	if fn == nil {
		return nil, errors.New("redis session store: nil mutation")
	}
	id, err := normalizeID(id)
	if err != nil {
		return nil, err
	}
	key := s.key(id)

	var out *interview.Session
	txf := func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := applyMutation(current, fn, s.opts.now())
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return errors.Wrap(err, "redis session store: marshal")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.opts.ttlFor(next))
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}

	for i := 0; i < maxOptimisticRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, errors.Errorf("redis session store: too much contention on session %s", id)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	id, err := normalizeID(id)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return errors.Wrap(err, "redis session store: delete")
	}
	return nil
}
