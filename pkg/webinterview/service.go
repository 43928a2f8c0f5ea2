package webinterview

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/grillo/pkg/engine"
	"github.com/go-go-golems/grillo/pkg/events"
	"github.com/go-go-golems/grillo/pkg/interview"
	"github.com/go-go-golems/grillo/pkg/metrics"
	"github.com/go-go-golems/grillo/pkg/orchestrator"
	"github.com/go-go-golems/grillo/pkg/persistence/audiostore"
	"github.com/go-go-golems/grillo/pkg/persistence/sessionstore"
	"github.com/go-go-golems/grillo/pkg/report"
)

// Audio shorter than this is treated as silence without transcription.
const minAudioBytes = 1024

// Transcripts shorter than this are treated as silence.
const minTranscriptChars = 3

// Subscriber streams lifecycle events of one session.
type Subscriber interface {
	Subscribe(ctx context.Context, sessionID string) (<-chan events.Event, error)
}

// Service is the server side of the interview: it validates, serializes and
// persists turns and hands the decisions to the orchestrator.
type Service struct {
	store   sessionstore.Store
	locker  sessionstore.Locker
	orch    *orchestrator.Orchestrator
	reports *report.Synthesizer

	stt     engine.Transcriber
	tts     engine.Speaker
	audio   audiostore.Store
	events  events.Publisher
	sub     Subscriber
	metrics *metrics.Metrics
}

type ServiceOption func(*Service)

func WithTranscriber(t engine.Transcriber) ServiceOption {
	return func(s *Service) { s.stt = t }
}

// WithSpeaker enables interviewer audio for voice sessions. Audio is kept in
// store until fetched through Audio.
func WithSpeaker(sp engine.Speaker, store audiostore.Store) ServiceOption {
	return func(s *Service) {
		s.tts = sp
		s.audio = store
	}
}

func WithEvents(p events.Publisher, sub Subscriber) ServiceOption {
	return func(s *Service) {
		if p != nil {
			s.events = events.LoggingPublisher{Next: p}
		}
		s.sub = sub
	}
}

func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func NewService(store sessionstore.Store, locker sessionstore.Locker, orch *orchestrator.Orchestrator, reports *report.Synthesizer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("webinterview: nil session store")
	}
	if orch == nil {
		return nil, errors.New("webinterview: nil orchestrator")
	}
	if locker == nil {
		locker = sessionstore.NewMemoryLocker()
	}
	if reports == nil {
		reports = report.New(nil)
	}
	s := &Service{
		store:   store,
		locker:  locker,
		orch:    orch,
		reports: reports,
		events:  events.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// StartResult is the opening of a new interview.
type StartResult struct {
	SessionID   string         `json:"session_id"`
	Text        string         `json:"text"`
	AudioHandle string         `json:"-"`
	Mode        interview.Mode `json:"mode"`
}

func (s *Service) Start(ctx context.Context, req interview.StartRequest) (StartResult, error) {
	md, err := req.Validate()
	if err != nil {
		return StartResult{}, err
	}
	sess, err := s.store.Create(ctx, md)
	if err != nil {
		return StartResult{}, errors.Wrap(err, "create session")
	}
	greeting := s.orch.Start(ctx, sess)
	if _, err := sessionstore.SetPending(ctx, s.store, sess.ID, greeting); err != nil {
		return StartResult{}, errors.Wrap(err, "store greeting")
	}

	res := StartResult{SessionID: sess.ID, Text: greeting, Mode: md.Mode}
	res.AudioHandle = s.speak(ctx, sess.ID, md.Mode, greeting)

	log.Info().Str("session_id", sess.ID).Str("mode", string(md.Mode)).Int("duration", md.DurationMinutes).Msg("interview started")
	s.metrics.SessionStarted(string(md.Mode))
	_ = s.events.Publish(ctx, events.Event{Type: events.TypeSessionStarted, SessionID: sess.ID, AIText: greeting})
	return res, nil
}

// TurnInput is a typed (or explicitly silent) candidate turn.
type TurnInput struct {
	SessionID      string
	Text           string
	Silent         bool
	IdempotencyKey string
}

// TurnResult is the interviewer's response to a candidate turn.
type TurnResult struct {
	UserText    string `json:"user_text"`
	AIText      string `json:"ai_text"`
	AudioHandle string `json:"-"`
	Finished    bool   `json:"finished"`
}

// SubmitText records a typed answer or an explicit silence.
func (s *Service) SubmitText(ctx context.Context, in TurnInput) (TurnResult, error) {
	return s.submit(ctx, in.SessionID, in.IdempotencyKey, func(context.Context, *interview.Session) (orchestrator.CandidateInput, error) {
		return orchestrator.CandidateInput{Text: in.Text, Silent: in.Silent}, nil
	})
}

// AudioInput is a recorded candidate answer.
type AudioInput struct {
	SessionID      string
	Audio          []byte
	Filename       string
	IdempotencyKey string
}

// SubmitAudio transcribes and records a spoken answer. Tiny blobs and
// near-empty transcripts count as silence.
func (s *Service) SubmitAudio(ctx context.Context, in AudioInput) (TurnResult, error) {
	return s.submit(ctx, in.SessionID, in.IdempotencyKey, func(ctx context.Context, sess *interview.Session) (orchestrator.CandidateInput, error) {
		if len(in.Audio) <= minAudioBytes {
			return orchestrator.CandidateInput{Silent: true}, nil
		}
		if s.stt == nil {
			return orchestrator.CandidateInput{}, interview.TransportError(errors.New("no transcriber configured"), "transcribe")
		}
		start := time.Now()
		text, err := s.stt.Transcribe(ctx, in.Audio, in.Filename)
		s.metrics.ObserveEngine("transcribe", start, err)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("transcription failed")
			if !interview.IsTransport(err) {
				err = interview.TransportError(err, "transcribe")
			}
			return orchestrator.CandidateInput{}, err
		}
		text = strings.TrimSpace(text)
		if len(text) < minTranscriptChars {
			return orchestrator.CandidateInput{Silent: true}, nil
		}
		return orchestrator.CandidateInput{Text: text}, nil
	})
}

type inputFunc func(ctx context.Context, sess *interview.Session) (orchestrator.CandidateInput, error)

func (s *Service) submit(ctx context.Context, sessionID, key string, input inputFunc) (TurnResult, error) {
	unlock, err := s.locker.TryLock(ctx, sessionID)
	if err != nil {
		if interview.Is(err, interview.ErrTurnInFlight) {
			s.metrics.TurnConflict()
		}
		return TurnResult{}, err
	}
	defer unlock()

	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	if rec := sess.LastSubmission; key != "" && rec != nil && rec.IdempotencyKey == key {
		log.Debug().Str("session_id", sessionID).Str("idempotency_key", key).Msg("replaying turn response")
		return TurnResult{UserText: rec.UserText, AIText: rec.AIText, AudioHandle: rec.AudioHandle, Finished: rec.Finished}, nil
	}
	if sess.Finished {
		return TurnResult{AIText: orchestrator.AlreadyConcludedLine, Finished: true}, nil
	}

	in, err := input(ctx, sess)
	if err != nil {
		return TurnResult{}, err
	}
	start := time.Now()
	d, err := s.orch.NextTurn(ctx, sess, in)
	s.metrics.ObserveEngine("turn", start, err)
	if err != nil {
		return TurnResult{}, err
	}

	userText := strings.TrimSpace(in.Text)
	silent := d.Entry != nil && d.Entry.Silent
	if silent {
		userText = interview.SilenceMarker
	}
	res := TurnResult{UserText: userText, AIText: d.Utterance, Finished: d.Finished}
	res.AudioHandle = s.speak(ctx, sessionID, sess.Metadata.Mode, d.Utterance)

	mutations := []sessionstore.Mutation{}
	if d.Entry != nil {
		mutations = append(mutations, sessionstore.AppendTurnMutation(*d.Entry))
	}
	if d.Finished {
		mutations = append(mutations, sessionstore.MarkFinishedMutation(false))
	} else {
		mutations = append(mutations, func(x *interview.Session) error {
			x.PendingQuestion = d.Utterance
			return nil
		})
	}
	if key != "" {
		rec := &interview.SubmissionRecord{
			IdempotencyKey: key,
			UserText:       res.UserText,
			AIText:         res.AIText,
			AudioHandle:    res.AudioHandle,
			Finished:       res.Finished,
		}
		mutations = append(mutations, func(x *interview.Session) error {
			x.LastSubmission = rec
			return nil
		})
	}
	updated, err := s.store.Update(ctx, sessionID, sessionstore.Chain(mutations...))
	if err != nil {
		if interview.Is(err, interview.ErrFinalized) {
			// Ended early while the engine was thinking.
			return TurnResult{UserText: res.UserText, AIText: orchestrator.AlreadyConcludedLine, Finished: true}, nil
		}
		return TurnResult{}, err
	}

	turn := updated.CandidateTurns()
	logger := log.With().Str("session_id", sessionID).Int("turn", turn).Logger()
	logger.Info().Bool("silent", silent).Bool("finished", d.Finished).Str("reason", string(d.Reason)).Msg("turn recorded")
	s.metrics.TurnRecorded(string(sess.Metadata.Mode), silent)
	_ = s.events.Publish(ctx, events.Event{
		Type:      events.TypeTurnRecorded,
		SessionID: sessionID,
		Turn:      turn,
		UserText:  res.UserText,
		AIText:    res.AIText,
		Silent:    silent,
		Finished:  res.Finished,
	})
	if d.Finished {
		s.metrics.SessionFinished(string(d.Reason))
		_ = s.events.Publish(ctx, events.Event{Type: events.TypeSessionFinished, SessionID: sessionID, Finished: true, Reason: string(d.Reason)})
	}
	return res, nil
}

// EndEarly stops the interview at the candidate's request. It is idempotent:
// ending an already finished session changes nothing.
func (s *Service) EndEarly(ctx context.Context, sessionID string) (*interview.Session, error) {
	before, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := sessionstore.MarkFinished(ctx, s.store, sessionID, true)
	if err != nil {
		return nil, err
	}
	if !before.Finished {
		log.Info().Str("session_id", sessionID).Int("turns", sess.CandidateTurns()).Msg("interview ended early")
		s.metrics.SessionFinished("ended_early")
		_ = s.events.Publish(ctx, events.Event{Type: events.TypeSessionEnded, SessionID: sessionID, Finished: true, Reason: "ended_early"})
	}
	return sess, nil
}

// Report returns the interview report, generating it on first request. The
// report is cached on the session so retries return the same payload.
func (s *Service) Report(ctx context.Context, sessionID string) (*interview.Report, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Report != nil {
		return sess.Report, nil
	}
	if !sess.Reportable() {
		return nil, errors.Wrapf(interview.ErrNotReportable, "session %s", sessionID)
	}

	unlock, err := s.locker.TryLock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock; a concurrent request may have finished first.
	sess, err = s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Report != nil {
		return sess.Report, nil
	}

	start := time.Now()
	r, err := s.reports.Synthesize(ctx, sess)
	s.metrics.ObserveEngine("report", start, err)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.Update(ctx, sessionID, func(x *interview.Session) error {
		if x.Report != nil {
			return nil
		}
		if !x.Reportable() {
			return interview.ErrNotReportable
		}
		x.Report = r
		x.Reported = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("session_id", sessionID).Bool("incomplete", r.Incomplete).
		Int("communication", r.Communication).Int("technical", r.Technical).Int("culture_fit", r.CultureFit).
		Msg("report generated")
	s.metrics.ReportGenerated(r.Incomplete)
	ratings := updated.Report.Ratings
	_ = s.events.Publish(ctx, events.Event{Type: events.TypeReportReady, SessionID: sessionID, Ratings: &ratings})
	return updated.Report, nil
}

// Session returns the current state of a session.
func (s *Service) Session(ctx context.Context, sessionID string) (*interview.Session, error) {
	return s.store.Get(ctx, sessionID)
}

// Audio returns synthesized interviewer audio by handle.
func (s *Service) Audio(ctx context.Context, handle string) ([]byte, error) {
	if s.audio == nil {
		return nil, errors.Wrap(interview.ErrNotFound, "audio disabled")
	}
	return s.audio.Get(ctx, handle)
}

// Subscribe streams lifecycle events of an existing session.
func (s *Service) Subscribe(ctx context.Context, sessionID string) (<-chan events.Event, error) {
	if s.sub == nil {
		return nil, errors.New("event streaming disabled")
	}
	if _, err := s.store.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.sub.Subscribe(ctx, sessionID)
}

// speak synthesizes audio for voice sessions. Failure only loses the audio;
// the text still reaches the candidate.
func (s *Service) speak(ctx context.Context, sessionID string, mode interview.Mode, text string) string {
	if mode != interview.ModeVoice || s.tts == nil || s.audio == nil || strings.TrimSpace(text) == "" {
		return ""
	}
	start := time.Now()
	data, err := s.tts.Speak(ctx, text)
	s.metrics.ObserveEngine("speak", start, err)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("speech synthesis failed, continuing without audio")
		return ""
	}
	if len(data) == 0 {
		return ""
	}
	h, err := s.audio.Put(ctx, data)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("could not store audio")
		return ""
	}
	return h
}
