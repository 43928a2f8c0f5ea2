// Package orchestrator decides what the interviewer says next and whether
// the interview is over.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/grillo/pkg/engine"
	"github.com/go-go-golems/grillo/pkg/interview"
)

// Reason names the rule that produced a decision.
type Reason string

const (
	ReasonAlreadyFinished Reason = "already_finished"
	ReasonSilence         Reason = "silence_streak"
	ReasonTimeUp          Reason = "time_up"
	ReasonClosingWindow   Reason = "closing_window"
	ReasonTurnCap         Reason = "turn_cap"
	ReasonEngine          Reason = "engine"
)

// CandidateInput is one candidate turn as received from the client.
type CandidateInput struct {
	Text   string
	Silent bool
}

// Decision is the outcome of a candidate turn. Entry is nil when nothing
// must be appended to the transcript.
type Decision struct {
	Utterance string
	Finished  bool
	Reason    Reason
	Entry     *interview.TranscriptEntry
}

type Orchestrator struct {
	engine engine.Reasoner
	policy Policy
	now    func() time.Time
}

type Option func(*Orchestrator)

func WithPolicy(p Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func New(r engine.Reasoner, opts ...Option) *Orchestrator {
	o := &Orchestrator{engine: r, policy: DefaultPolicy(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Policy() Policy { return o.policy }

// Greeting is the opening utterance of every interview.
func Greeting(md interview.Metadata) string {
	return fmt.Sprintf(
		"Hello %s, thank you for joining me. This is a %d-minute timed interview for the %s position. We'll begin now — please tell me about yourself and your background.",
		md.CandidateName, md.DurationMinutes, md.Role)
}

// Start returns the opening utterance for a freshly created session.
func (o *Orchestrator) Start(_ context.Context, sess *interview.Session) string {
	return Greeting(sess.Metadata)
}

// NextTurn applies the backstop guards in order and only consults the engine
// when none of them ends the interview. It never mutates sess; an engine
// failure leaves nothing to undo.
func (o *Orchestrator) NextTurn(ctx context.Context, sess *interview.Session, in CandidateInput) (Decision, error) {
	if sess == nil {
		return Decision{}, errors.New("orchestrator: nil session")
	}
	if sess.Finished {
		return Decision{Utterance: AlreadyConcludedLine, Finished: true, Reason: ReasonAlreadyFinished}, nil
	}

	entry := interview.TranscriptEntry{
		Question: sess.PendingQuestion,
		Answer:   strings.TrimSpace(in.Text),
		Silent:   in.Silent || interview.IsBlankAnswer(in.Text),
	}
	if entry.Silent {
		entry.Answer = ""
	}
	logger := log.With().Str("session_id", sess.ID).Logger()

	if entry.Silent && sess.ConsecutiveSilences+1 >= o.silenceStreak() {
		entry.Feedback = NoResponseFeedback
		logger.Info().Int("silences", sess.ConsecutiveSilences+1).Msg("silence streak ends interview")
		return o.closing(entry, SilenceClosingLine, ReasonSilence), nil
	}

	remaining := sess.Remaining(o.now())
	md := sess.Metadata
	capped := sess.CandidateTurns()+1 >= o.policy.TurnCap(md.DurationMinutes)
	var guard *Decision
	switch {
	case remaining <= 0:
		d := o.closing(entry, FarewellLine, ReasonTimeUp)
		guard = &d
	case remaining < o.policy.closingThreshold(md.DurationMinutes):
		d := o.closing(entry, OutOfTimeLine, ReasonClosingWindow)
		guard = &d
	case capped:
		d := o.closing(entry, TurnCapClosingLine, ReasonTurnCap)
		guard = &d
	}

	if guard != nil {
		ev, err := o.evaluate(ctx, entry)
		if err != nil {
			return Decision{}, err
		}
		guard.Entry.Scores, guard.Entry.Feedback = ev.Scores, ev.Feedback
		logger.Info().Str("reason", string(guard.Reason)).Dur("remaining", remaining).Msg("guard ends interview")
		return *guard, nil
	}

	var (
		ev    engine.Evaluation
		reply engine.Reply
	)
	transcript := append(append([]interview.TranscriptEntry(nil), sess.Transcript...), entry)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ev, err = o.evaluate(gctx, entry)
		return err
	})
	g.Go(func() error {
		var err error
		reply, err = o.engine.Reply(gctx, engine.ReplyRequest{
			Metadata:   md,
			Opening:    Greeting(md),
			Transcript: transcript,
			Remaining:  remaining,
		})
		if err != nil && !interview.IsTransport(err) {
			err = interview.TransportError(err, "orchestrator: engine reply")
		}
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Warn().Err(err).Msg("engine turn failed")
		return Decision{}, err
	}

	entry.Scores, entry.Feedback = ev.Scores, ev.Feedback
	utterance := strings.TrimSpace(reply.Utterance)
	finished := reply.Finished || IsClosing(utterance)
	return Decision{Utterance: utterance, Finished: finished, Reason: ReasonEngine, Entry: &entry}, nil
}

// IsClosing reports whether an utterance ends the interview.
func IsClosing(utterance string) bool {
	lower := strings.ToLower(utterance)
	for _, p := range closingPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) silenceStreak() int {
	if o.policy.SilenceStreak <= 0 {
		return 2
	}
	return o.policy.SilenceStreak
}

func (o *Orchestrator) closing(entry interview.TranscriptEntry, line string, reason Reason) Decision {
	return Decision{Utterance: line, Finished: true, Reason: reason, Entry: &entry}
}

// evaluate scores one entry. Silent, blank and skipped answers are never sent
// to the engine.
func (o *Orchestrator) evaluate(ctx context.Context, entry interview.TranscriptEntry) (engine.Evaluation, error) {
	switch {
	case entry.Silent || interview.IsBlankAnswer(entry.Answer):
		return engine.Evaluation{Feedback: NoResponseFeedback}, nil
	case interview.IsSkipAnswer(entry.Answer):
		return engine.Evaluation{Feedback: SkippedFeedback}, nil
	}
	ev, err := o.engine.Score(ctx, entry.Question, entry.Answer)
	if err != nil {
		if !interview.IsTransport(err) {
			err = interview.TransportError(err, "orchestrator: engine score")
		}
		return engine.Evaluation{}, err
	}
	ev.Scores = ev.Scores.Clamp()
	return ev, nil
}
