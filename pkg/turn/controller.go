package turn

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/grillo/pkg/interview"
)

type State string

const (
	StateInterviewerSpeaking State = "interviewer-speaking"
	StateListening           State = "candidate-listening"
	StateProcessing          State = "processing"
	StateEnded               State = "ended"
)

// Submission is one candidate turn on its way to the server. Exactly one of
// Text, Silent or Audio is meaningful.
type Submission struct {
	Text           string
	Silent         bool
	Audio          []byte
	Filename       string
	IdempotencyKey string
}

// Reply is the server's answer to a Submission.
type Reply struct {
	UserText    string
	AIText      string
	AudioHandle string
	Finished    bool
}

// Transport carries turns to the interview service. Implementations map a
// missing session onto interview.ErrNotFound and network or server faults
// onto interview.ErrTransportFailure.
type Transport interface {
	Submit(ctx context.Context, sessionID string, sub Submission) (Reply, error)
	EndEarly(ctx context.Context, sessionID string) error
	Report(ctx context.Context, sessionID string) (*interview.Report, error)
}

// Player renders an interviewer utterance. Play blocks until playback is
// over or ctx is canceled; text renderers return immediately.
type Player interface {
	Play(ctx context.Context, text string, audioHandle string) error
}

// Capture records the candidate's voice, streaming normalized levels to
// onLevel until Stop returns the recording.
type Capture interface {
	Start(ctx context.Context, onLevel func(float64)) error
	Stop() ([]byte, error)
}

type EventKind string

const (
	EventState       EventKind = "state"
	EventInterviewer EventKind = "interviewer"
	EventCandidate   EventKind = "candidate"
	EventNotice      EventKind = "notice"
	EventReport      EventKind = "report"
)

// Event is what the controller tells its EventSink.
type Event struct {
	Kind  EventKind
	State State
	From  State
	Text  string
	Final bool
	Err   error
	// Retry marks a notice the user can act on with RetryReport.
	Retry bool
	// Fatal marks a notice after which the controller has ended.
	Fatal  bool
	Report *interview.Report
}

// EventSink receives controller events on the controller goroutine. Handle
// must not block.
type EventSink interface {
	Handle(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Handle(e Event) { f(e) }

// Opening is the first interviewer utterance returned by the start call.
type Opening struct {
	Text        string
	AudioHandle string
	Final       bool
}

type Config struct {
	SessionID  string
	Mode       interview.Mode
	Thresholds Thresholds
	Clock      Clock
	// AudioFilename names uploaded recordings; the server uses the
	// extension to pick a decoder.
	AudioFilename string
}

// Controller runs one interview on the client. All state lives on a single
// goroutine; monitors, playback and network calls post their results back
// to it and results from a state that was already left are discarded.
type Controller struct {
	cfg       Config
	transport Transport
	player    Player
	capture   Capture
	sink      EventSink

	ctx       context.Context
	cancel    context.CancelFunc
	inbox     chan any
	done      chan struct{}
	startOnce sync.Once
	started   bool

	mu         sync.Mutex
	state      State
	inactivity *InactivityMonitor

	// owned by the loop goroutine
	scope         *scope
	gen           uint64
	capturing     bool
	endedEarly    bool
	reportAsked   bool
	reportPending bool
	awaitingRetry bool
}

type ControllerOption func(*Controller)

func WithPlayer(p Player) ControllerOption { return func(c *Controller) { c.player = p } }

func WithCapture(cp Capture) ControllerOption { return func(c *Controller) { c.capture = cp } }

func WithSink(s EventSink) ControllerOption { return func(c *Controller) { c.sink = s } }

func NewController(cfg Config, transport Transport, opts ...ControllerOption) (*Controller, error) {
	if transport == nil {
		return nil, errors.New("turn controller: nil transport")
	}
	if strings.TrimSpace(cfg.SessionID) == "" {
		return nil, errors.New("turn controller: empty session id")
	}
	if cfg.Mode == "" {
		cfg.Mode = interview.ModeText
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.AudioFilename == "" {
		cfg.AudioFilename = "answer.wav"
	}
	cfg.Thresholds = cfg.Thresholds.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:       cfg,
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
		inbox:     make(chan any, 64),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type (
	msgPlayed struct {
		gen   uint64
		final bool
		err   error
	}
	msgTurnEnded struct {
		gen    uint64
		reason EndReason
	}
	msgSubmitText struct{ text string }
	msgForceEnd   struct{}
	msgSubmitted  struct {
		gen   uint64
		reply Reply
		err   error
	}
	msgEndEarly   struct{}
	msgReportDone struct {
		report *interview.Report
		err    error
	}
	msgRetryReport struct{}
)

// Start speaks the opening utterance and runs the controller until it ends
// or parent is canceled.
func (c *Controller) Start(parent context.Context, opening Opening) {
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()
		if parent != nil {
			stop := context.AfterFunc(parent, c.cancel)
			go func() {
				<-c.done
				stop()
			}()
		}
		go c.run(opening)
	})
}

// Done is closed once the controller has ended and its report, if any, was
// delivered, or once it was closed.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Submit ends the current turn with typed text. Blank text is sent as an
// explicit silence.
func (c *Controller) Submit(text string) { c.post(msgSubmitText{text: text}) }

// ForceEndTurn ends the current turn with whatever was captured so far.
func (c *Controller) ForceEndTurn() { c.post(msgForceEnd{}) }

// Keystroke restarts the inactivity window while a typed turn is open.
func (c *Controller) Keystroke() {
	c.mu.Lock()
	m := c.inactivity
	c.mu.Unlock()
	if m != nil {
		m.Keystroke()
	}
}

// EndEarly stops the interview from any state. Repeated calls do nothing.
func (c *Controller) EndEarly() { c.post(msgEndEarly{}) }

// RetryReport asks for the report again after a failed attempt.
func (c *Controller) RetryReport() { c.post(msgRetryReport{}) }

// Close releases every resource and waits for the loop to exit.
func (c *Controller) Close() {
	c.cancel()
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}

func (c *Controller) post(m any) {
	select {
	case c.inbox <- m:
	case <-c.ctx.Done():
	}
}

func (c *Controller) run(opening Opening) {
	defer close(c.done)
	defer c.cancel()
	defer c.leave()

	c.speak(opening.Text, opening.AudioHandle, opening.Final)
	for !c.finished() {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.inbox:
			c.handle(m)
		}
	}
}

func (c *Controller) finished() bool {
	return c.State() == StateEnded && !c.reportPending && !c.awaitingRetry
}

func (c *Controller) handle(m any) {
	switch m := m.(type) {
	case msgPlayed:
		if m.gen != c.gen {
			return
		}
		if m.err != nil {
			c.notice(errors.Wrap(m.err, "playback failed"), false, false)
		}
		if m.final {
			c.end(true)
			return
		}
		c.listen()

	case msgTurnEnded:
		if m.gen != c.gen || c.State() != StateListening {
			return
		}
		log.Debug().Str("session_id", c.cfg.SessionID).Str("reason", string(m.reason)).Msg("turn ended by monitor")
		if m.reason == EndInactivity {
			c.process(Submission{Silent: true})
			return
		}
		c.process(c.audioSubmission())

	case msgSubmitText:
		if c.State() != StateListening {
			return
		}
		c.discardCapture()
		text := strings.TrimSpace(m.text)
		c.process(Submission{Text: text, Silent: text == ""})

	case msgForceEnd:
		if c.State() != StateListening {
			return
		}
		if c.capturing {
			c.process(c.audioSubmission())
			return
		}
		c.process(Submission{Silent: true})

	case msgSubmitted:
		if m.gen != c.gen {
			return
		}
		if m.err != nil {
			if interview.IsNotFound(m.err) {
				c.notice(m.err, false, true)
				c.end(false)
				return
			}
			c.notice(m.err, false, false)
			c.listen()
			return
		}
		if m.reply.UserText != "" {
			c.emit(Event{Kind: EventCandidate, Text: m.reply.UserText})
		}
		c.speak(m.reply.AIText, m.reply.AudioHandle, m.reply.Finished)

	case msgEndEarly:
		if c.State() == StateEnded {
			return
		}
		c.endedEarly = true
		c.end(true)

	case msgReportDone:
		c.reportPending = false
		if m.err != nil {
			if interview.IsNotFound(m.err) {
				c.notice(m.err, false, true)
				return
			}
			c.awaitingRetry = true
			c.notice(errors.Wrap(m.err, "report failed"), true, false)
			return
		}
		c.emit(Event{Kind: EventReport, Report: m.report})

	case msgRetryReport:
		if c.State() != StateEnded || !c.awaitingRetry || c.reportPending {
			return
		}
		c.awaitingRetry = false
		c.requestReport()
	}
}

func (c *Controller) speak(text, audioHandle string, final bool) {
	sc, prev := c.enter(StateInterviewerSpeaking)
	c.emit(Event{Kind: EventInterviewer, Text: text, Final: final})
	c.announce(prev)
	if c.player == nil {
		c.handle(msgPlayed{gen: c.gen, final: final})
		return
	}
	gen := c.gen
	go func() {
		err := c.player.Play(sc.ctx, text, audioHandle)
		if sc.ctx.Err() != nil {
			err = nil
		}
		c.post(msgPlayed{gen: gen, final: final, err: err})
	}()
}

func (c *Controller) listen() {
	sc, prev := c.enter(StateListening)
	gen := c.gen

	if c.cfg.Mode == interview.ModeVoice && c.capture != nil {
		det := NewSilenceDetector(c.cfg.Clock, c.cfg.Thresholds, func(r EndReason) {
			c.post(msgTurnEnded{gen: gen, reason: r})
		})
		det.Start()
		if err := c.capture.Start(sc.ctx, det.Observe); err != nil {
			det.Stop()
			if !interview.Is(err, interview.ErrCaptureDenied) {
				err = errors.Wrap(interview.ErrCaptureDenied, err.Error())
			}
			// Typed input and ForceEndTurn keep working in this state; the
			// ceiling still closes the turn when neither arrives.
			c.notice(err, false, false)
			t := c.cfg.Clock.AfterFunc(c.cfg.Thresholds.MaxListen, func() {
				c.post(msgTurnEnded{gen: gen, reason: EndCeiling})
			})
			sc.onRelease(func() { t.Stop() })
		} else {
			c.capturing = true
			sc.onRelease(det.Stop)
			sc.onRelease(c.discardCapture)
		}
	}

	if c.cfg.Mode == interview.ModeText {
		m := NewInactivityMonitor(c.cfg.Clock, c.cfg.Thresholds, func() {
			c.post(msgTurnEnded{gen: gen, reason: EndInactivity})
		})
		m.Start()
		c.setInactivity(m)
		sc.onRelease(func() {
			m.Stop()
			c.setInactivity(nil)
		})
	}
	c.announce(prev)
}

func (c *Controller) process(sub Submission) {
	sc, prev := c.enter(StateProcessing)
	c.announce(prev)
	if sub.IdempotencyKey == "" {
		sub.IdempotencyKey = uuid.NewString()
	}
	gen := c.gen
	go func() {
		reply, err := c.transport.Submit(sc.ctx, c.cfg.SessionID, sub)
		c.post(msgSubmitted{gen: gen, reply: reply, err: err})
	}()
}

func (c *Controller) end(withReport bool) {
	_, prev := c.enter(StateEnded)
	c.announce(prev)
	if withReport && !c.reportAsked {
		c.reportAsked = true
		c.requestReport()
	}
}

// requestReport runs in the ended scope, which only the controller context
// can cancel.
func (c *Controller) requestReport() {
	c.reportPending = true
	ctx := c.scope.ctx
	endEarly := c.endedEarly
	go func() {
		if endEarly {
			if err := c.transport.EndEarly(ctx, c.cfg.SessionID); err != nil {
				c.post(msgReportDone{err: err})
				return
			}
		}
		rep, err := c.transport.Report(ctx, c.cfg.SessionID)
		c.post(msgReportDone{report: rep, err: err})
	}()
}

func (c *Controller) audioSubmission() Submission {
	if !c.capturing {
		return Submission{Silent: true}
	}
	audio, err := c.stopCapture()
	if err != nil {
		c.notice(errors.Wrap(err, "recording failed"), false, false)
		return Submission{Silent: true}
	}
	return Submission{Audio: audio, Filename: c.cfg.AudioFilename}
}

func (c *Controller) stopCapture() ([]byte, error) {
	if !c.capturing {
		return nil, nil
	}
	c.capturing = false
	return c.capture.Stop()
}

func (c *Controller) discardCapture() {
	if _, err := c.stopCapture(); err != nil {
		log.Debug().Err(err).Str("session_id", c.cfg.SessionID).Msg("discarding capture")
	}
}

func (c *Controller) setInactivity(m *InactivityMonitor) {
	c.mu.Lock()
	c.inactivity = m
	c.mu.Unlock()
}

// enter releases the current state's scope and opens one for next.
func (c *Controller) enter(next State) (*scope, State) {
	c.leave()
	c.gen++
	ctx, cancel := context.WithCancel(c.ctx)
	c.scope = &scope{ctx: ctx, cancel: cancel}

	c.mu.Lock()
	prev := c.state
	c.state = next
	c.mu.Unlock()
	return c.scope, prev
}

func (c *Controller) leave() {
	if c.scope != nil {
		c.scope.release()
		c.scope = nil
	}
}

func (c *Controller) announce(prev State) {
	c.emit(Event{Kind: EventState, State: c.State(), From: prev})
}

func (c *Controller) notice(err error, retry, fatal bool) {
	ev := log.Warn()
	if fatal {
		ev = log.Error()
	}
	ev.Err(err).Str("session_id", c.cfg.SessionID).Bool("retry", retry).Msg("turn controller notice")
	c.emit(Event{Kind: EventNotice, Text: err.Error(), Err: err, Retry: retry, Fatal: fatal})
}

func (c *Controller) emit(e Event) {
	if c.sink != nil {
		c.sink.Handle(e)
	}
}

// scope holds what a state acquired; release undoes it in reverse order.
type scope struct {
	ctx      context.Context
	cancel   context.CancelFunc
	releases []func()
}

func (s *scope) onRelease(f func()) { s.releases = append(s.releases, f) }

func (s *scope) release() {
	s.cancel()
	for i := len(s.releases) - 1; i >= 0; i-- {
		s.releases[i]()
	}
	s.releases = nil
}
