package sessionstore

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/grillo/pkg/interview"
)

// InMemoryStore keeps sessions in a map. It is the degraded fallback when no
// networked backend is configured: sessions do not survive a restart.
type InMemoryStore struct {
	opts options

	mu       sync.Mutex
	sessions map[string]*memRecord
}

type memRecord struct {
	session   *interview.Session
	expiresAt time.Time
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore(opts ...Option) *InMemoryStore {
	return &InMemoryStore{
		opts:     buildOptions(opts),
		sessions: map[string]*memRecord{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Create(_ context.Context, md interview.Metadata) (*interview.Session, error) {
	if s == nil {
		return nil, errors.New("in-memory session store: nil store")
	}
	sess := s.opts.newSession(md)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return nil, errors.Errorf("in-memory session store: duplicate session id %s", sess.ID)
	}
	s.sessions[sess.ID] = &memRecord{session: sess, expiresAt: sess.UpdatedAt.Add(s.opts.ttlFor(sess))}
	return sess.Clone(), nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*interview.Session, error) {
	if s == nil {
		return nil, errors.New("in-memory session store: nil store")
	}
	id, err := normalizeID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(id)
	if !ok {
		return nil, errors.Wrapf(interview.ErrNotFound, "session %s", id)
	}
	return rec.session.Clone(), nil
}

func (s *InMemoryStore) Update(_ context.Context, id string, fn Mutation) (*interview.Session, error) {
	if s == nil {
		return nil, errors.New("in-memory session store: nil store")
	}
	if fn == nil {
		return nil, errors.New("in-memory session store: nil mutation")
	}
	id, err := normalizeID(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(id)
	if !ok {
		return nil, errors.Wrapf(interview.ErrNotFound, "session %s", id)
	}
	now := s.opts.now()
	next, err := applyMutation(rec.session, fn, now)
	if err != nil {
		return nil, err
	}
	rec.session = next
	rec.expiresAt = now.Add(s.opts.ttlFor(next))
	return next.Clone(), nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	if s == nil {
		return errors.New("in-memory session store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Len returns the number of sessions currently held, expired or not.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *InMemoryStore) liveLocked(id string) (*memRecord, bool) {
	rec, ok := s.sessions[id]
	if !ok || rec == nil {
		return nil, false
	}
	if !rec.expiresAt.After(s.opts.now()) {
		delete(s.sessions, id)
		return nil, false
	}
	return rec, true
}

// StartEvictionLoop drops expired sessions every interval until ctx ends.
func (s *InMemoryStore) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	startEvictionLoop(ctx, interval, s)
}

func (s *InMemoryStore) evictExpiredOnce(now time.Time) int {
	if s == nil {
		return 0
	}
	if now.IsZero() {
		now = s.opts.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, rec := range s.sessions {
		if rec == nil || !rec.expiresAt.After(now) {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}
