package sessionstore

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/grillo/pkg/interview"
)

const (
	defaultIdleTTL     = 2 * time.Hour
	defaultReportedTTL = 10 * time.Minute
	defaultPrefix      = "grillo"
)

// Mutation edits a session in place. Returning an error aborts the update and
// leaves the stored session untouched.
type Mutation func(s *interview.Session) error

// Store is the session lifecycle backend. Every implementation serializes
// Update per session id and returns deep copies, so callers never share
// state with the store.
type Store interface {
	Create(ctx context.Context, md interview.Metadata) (*interview.Session, error)
	Get(ctx context.Context, id string) (*interview.Session, error)
	Update(ctx context.Context, id string, fn Mutation) (*interview.Session, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

type options struct {
	idleTTL     time.Duration
	reportedTTL time.Duration
	prefix      string
	now         func() time.Time
	newID       func() string
}

// Option configures any of the store backends.
type Option func(*options)

// WithIdleTTL sets how long an untouched session survives.
func WithIdleTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleTTL = d
		}
	}
}

// WithReportedTTL sets how long a session survives after its report was
// produced, so report retries stay answerable.
func WithReportedTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.reportedTTL = d
		}
	}
}

// WithPrefix sets the key prefix used by the Redis backend.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if strings.TrimSpace(prefix) != "" {
			o.prefix = strings.TrimSpace(prefix)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(f func() string) Option {
	return func(o *options) {
		if f != nil {
			o.newID = f
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		idleTTL:     defaultIdleTTL,
		reportedTTL: defaultReportedTTL,
		prefix:      defaultPrefix,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) ttlFor(s *interview.Session) time.Duration {
	if s != nil && s.Reported {
		return o.reportedTTL
	}
	return o.idleTTL
}

func (o options) newSession(md interview.Metadata) *interview.Session {
	now := o.now()
	return &interview.Session{
		ID:        o.newID(),
		Metadata:  md,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func normalizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.Wrap(interview.ErrNotFound, "empty session id")
	}
	return id, nil
}

// AppendTurn appends a transcript entry. Finished and reported sessions are
// append-immune.
func AppendTurn(ctx context.Context, st Store, id string, entry interview.TranscriptEntry) (*interview.Session, error) {
	return st.Update(ctx, id, AppendTurnMutation(entry))
}

// MarkFinished sets the monotonic finished flag; endedEarly additionally
// records that the interview was cut short.
func MarkFinished(ctx context.Context, st Store, id string, endedEarly bool) (*interview.Session, error) {
	return st.Update(ctx, id, MarkFinishedMutation(endedEarly))
}

// MarkReported flags the session as reported; the backend shortens its TTL.
func MarkReported(ctx context.Context, st Store, id string) (*interview.Session, error) {
	return st.Update(ctx, id, func(s *interview.Session) error {
		if !s.Reportable() {
			return interview.ErrNotReportable
		}
		s.Reported = true
		return nil
	})
}

// SetPending records the interviewer utterance awaiting an answer.
func SetPending(ctx context.Context, st Store, id string, question string) (*interview.Session, error) {
	return st.Update(ctx, id, func(s *interview.Session) error {
		if s.Finished || s.Reported {
			return interview.ErrFinalized
		}
		s.PendingQuestion = question
		return nil
	})
}

// AppendTurnMutation is the shared append rule used by every backend.
func AppendTurnMutation(entry interview.TranscriptEntry) Mutation {
	return func(s *interview.Session) error {
		if s.Finished || s.Reported {
			return interview.ErrFinalized
		}
		if entry.AnsweredAt.IsZero() {
			entry.AnsweredAt = s.UpdatedAt
		}
		entry.Scores = entry.Scores.Clamp()
		s.Transcript = append(s.Transcript, entry)
		if entry.Silent {
			s.ConsecutiveSilences++
		} else {
			s.ConsecutiveSilences = 0
		}
		return nil
	}
}

// MarkFinishedMutation never clears a flag once set.
func MarkFinishedMutation(endedEarly bool) Mutation {
	return func(s *interview.Session) error {
		if endedEarly && !s.Finished {
			s.EndedEarly = true
		}
		s.Finished = true
		return nil
	}
}

// Chain applies mutations in order, stopping at the first error.
func Chain(fns ...Mutation) Mutation {
	return func(s *interview.Session) error {
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			if err := fn(s); err != nil {
				return err
			}
		}
		return nil
	}
}

// applyMutation runs fn against a copy and returns the copy on success. The
// invariants that no mutation may break are checked here, once, for all
// backends.
func applyMutation(current *interview.Session, fn Mutation, now time.Time) (*interview.Session, error) {
	next := current.Clone()
	next.UpdatedAt = now
	if err := fn(next); err != nil {
		return nil, err
	}
	if len(next.Transcript) < len(current.Transcript) {
		return nil, errors.New("session store: transcript may not shrink")
	}
	if current.Finished && !next.Finished {
		return nil, errors.New("session store: finished flag may not revert")
	}
	if current.Reported && !next.Reported {
		return nil, errors.New("session store: reported flag may not revert")
	}
	return next, nil
}
