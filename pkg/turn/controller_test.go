package turn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grillo/pkg/interview"
)

const waitTimeout = 2 * time.Second

type fakeTransport struct {
	mu         sync.Mutex
	replies    []Reply
	submitErrs []error
	reportErrs []error
	subs       []Submission
	endEarly   int
	reports    int

	// hold makes Submit wait for its context and then answer anyway.
	hold     bool
	canceled int
}

func (f *fakeTransport) Submit(ctx context.Context, _ string, sub Submission) (Reply, error) {
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	if f.hold {
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		f.canceled++
		f.mu.Unlock()
		return Reply{AIText: "too late"}, nil
	}
	defer f.mu.Unlock()
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return Reply{}, err
		}
	}
	if len(f.replies) == 0 {
		return Reply{AIText: "Tell me more."}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func (f *fakeTransport) EndEarly(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endEarly++
	return nil
}

func (f *fakeTransport) Report(_ context.Context, id string) (*interview.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports++
	if len(f.reportErrs) > 0 {
		err := f.reportErrs[0]
		f.reportErrs = f.reportErrs[1:]
		return nil, err
	}
	return &interview.Report{SessionID: id}, nil
}

func (f *fakeTransport) submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.subs...)
}

func (f *fakeTransport) counts() (endEarly, reports int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endEarly, f.reports
}

func (f *fakeTransport) canceledSubmits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

type fakeCapture struct {
	mu       sync.Mutex
	audio    []byte
	startErr error
	onLevel  func(float64)
	starts   int
	stops    int
}

func (c *fakeCapture) Start(_ context.Context, onLevel func(float64)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.starts++
	c.onLevel = onLevel
	return nil
}

func (c *fakeCapture) Stop() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.onLevel = nil
	return c.audio, nil
}

func (c *fakeCapture) level(l float64) {
	c.mu.Lock()
	f := c.onLevel
	c.mu.Unlock()
	if f != nil {
		f(l)
	}
}

func (c *fakeCapture) stats() (starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

// blockingPlayer plays until its context is canceled.
type blockingPlayer struct {
	mu       sync.Mutex
	played   []string
	canceled int
}

func (p *blockingPlayer) Play(ctx context.Context, text, _ string) error {
	p.mu.Lock()
	p.played = append(p.played, text)
	p.mu.Unlock()
	<-ctx.Done()
	p.mu.Lock()
	p.canceled++
	p.mu.Unlock()
	return ctx.Err()
}

func (p *blockingPlayer) canceledCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled
}

type recorder struct {
	ch chan Event
}

func newRecorder() *recorder { return &recorder{ch: make(chan Event, 512)} }

func (r *recorder) Handle(e Event) {
	select {
	case r.ch <- e:
	default:
	}
}

func (r *recorder) waitFor(t *testing.T, pred func(Event) bool) Event {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case e := <-r.ch:
			if pred(e) {
				return e
			}
		case <-deadline:
			t.Fatal("timed out waiting for controller event")
			return Event{}
		}
	}
}

func (r *recorder) waitState(t *testing.T, s State) {
	t.Helper()
	r.waitFor(t, func(e Event) bool { return e.Kind == EventState && e.State == s })
}

func (r *recorder) waitInterviewer(t *testing.T, text string) Event {
	t.Helper()
	return r.waitFor(t, func(e Event) bool { return e.Kind == EventInterviewer && e.Text == text })
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("controller did not finish")
	}
}

func newTestController(t *testing.T, mode interview.Mode, ft *fakeTransport, opts ...ControllerOption) (*Controller, *recorder, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	rec := newRecorder()
	opts = append(opts, WithSink(rec))
	c, err := NewController(Config{SessionID: "s1", Mode: mode, Clock: clk}, ft, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, rec, clk
}

func TestControllerTextInterview(t *testing.T) {
	ft := &fakeTransport{replies: []Reply{
		{AIText: "What did you build?"},
		{AIText: "Thank you for your time.", Finished: true},
	}}
	c, rec, _ := newTestController(t, interview.ModeText, ft)
	c.Start(context.Background(), Opening{Text: "Hello"})

	rec.waitState(t, StateListening)
	c.Submit("  I write Go.  ")
	rec.waitInterviewer(t, "What did you build?")
	rec.waitState(t, StateListening)
	c.Submit("A scheduler.")
	ev := rec.waitInterviewer(t, "Thank you for your time.")
	require.True(t, ev.Final)

	rep := rec.waitFor(t, func(e Event) bool { return e.Kind == EventReport })
	require.Equal(t, "s1", rep.Report.SessionID)
	waitDone(t, c)

	require.Equal(t, StateEnded, c.State())
	subs := ft.submissions()
	require.Len(t, subs, 2)
	require.Equal(t, "I write Go.", subs[0].Text)
	require.NotEmpty(t, subs[0].IdempotencyKey)
	endEarly, reports := ft.counts()
	require.Zero(t, endEarly)
	require.Equal(t, 1, reports)
}

func TestControllerBlankSubmitIsSilence(t *testing.T) {
	ft := &fakeTransport{}
	c, rec, _ := newTestController(t, interview.ModeText, ft)
	c.Start(context.Background(), Opening{Text: "Hello"})

	rec.waitState(t, StateListening)
	c.Submit("   ")
	rec.waitInterviewer(t, "Tell me more.")
	require.True(t, ft.submissions()[0].Silent)
}

func TestControllerInactivitySendsSilence(t *testing.T) {
	ft := &fakeTransport{}
	c, rec, clk := newTestController(t, interview.ModeText, ft)
	c.Start(context.Background(), Opening{Text: "Hello"})
	rec.waitState(t, StateListening)

	clk.Advance(9900 * time.Millisecond)
	c.Keystroke()
	clk.Advance(9900 * time.Millisecond)
	require.Never(t, func() bool { return len(ft.submissions()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clk.Advance(100 * time.Millisecond)
	rec.waitInterviewer(t, "Tell me more.")
	subs := ft.submissions()
	require.Len(t, subs, 1)
	require.True(t, subs[0].Silent)
}

func TestControllerVoiceTurnEndsOnSilence(t *testing.T) {
	ft := &fakeTransport{replies: []Reply{{UserText: "I like queues.", AIText: "Why?"}}}
	capture := &fakeCapture{audio: []byte("RIFF....")}
	c, rec, clk := newTestController(t, interview.ModeVoice, ft, WithCapture(capture))
	c.Start(context.Background(), Opening{Text: "Hello"})
	rec.waitState(t, StateListening)

	capture.level(0.4)
	capture.level(0.01)
	clk.Advance(2500 * time.Millisecond)

	cand := rec.waitFor(t, func(e Event) bool { return e.Kind == EventCandidate })
	require.Equal(t, "I like queues.", cand.Text)
	subs := ft.submissions()
	require.Len(t, subs, 1)
	require.Equal(t, []byte("RIFF...."), subs[0].Audio)
	require.Equal(t, "answer.wav", subs[0].Filename)

	rec.waitState(t, StateListening)
	starts, stops := capture.stats()
	require.Equal(t, 2, starts)
	require.Equal(t, 1, stops)
}

func TestControllerVoiceCeiling(t *testing.T) {
	ft := &fakeTransport{}
	capture := &fakeCapture{audio: []byte("long answer")}
	c, rec, clk := newTestController(t, interview.ModeVoice, ft, WithCapture(capture))
	c.Start(context.Background(), Opening{Text: "Hello"})
	rec.waitState(t, StateListening)

	for i := 0; i < 60; i++ {
		capture.level(0.5)
		clk.Advance(time.Second)
	}
	rec.waitState(t, StateProcessing)
	require.Eventually(t, func() bool { return len(ft.submissions()) == 1 }, waitTimeout, 5*time.Millisecond)
	require.Equal(t, []byte("long answer"), ft.submissions()[0].Audio)
}

func TestControllerCaptureDeniedFallsBackToTyping(t *testing.T) {
	ft := &fakeTransport{}
	capture := &fakeCapture{startErr: errors.New("permission denied")}
	c, rec, _ := newTestController(t, interview.ModeVoice, ft, WithCapture(capture))
	c.Start(context.Background(), Opening{Text: "Hello"})

	notice := rec.waitFor(t, func(e Event) bool { return e.Kind == EventNotice })
	require.True(t, interview.Is(notice.Err, interview.ErrCaptureDenied))
	require.False(t, notice.Fatal)
	rec.waitState(t, StateListening)

	c.Submit("typed instead")
	rec.waitInterviewer(t, "Tell me more.")
	require.Equal(t, "typed instead", ft.submissions()[0].Text)
}

func TestControllerEndEarlyIsIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	c, rec, _ := newTestController(t, interview.ModeText, ft)
	c.Start(context.Background(), Opening{Text: "Hello"})
	rec.waitState(t, StateListening)

	c.EndEarly()
	c.EndEarly()
	c.EndEarly()
	rec.waitFor(t, func(e Event) bool { return e.Kind == EventReport })
	waitDone(t, c)

	endEarly, reports := ft.counts()
	require.Equal(t, 1, endEarly)
	require.Equal(t, 1, reports)
	require.Empty(t, ft.submissions())
}

func TestControllerEndEarlyReleasesPlaybackAndCapture(t *testing.T) {
	ft := &fakeTransport{}
	player := &blockingPlayer{}
	capture := &fakeCapture{}
	c, rec, clk := newTestController(t, interview.ModeVoice, ft, WithPlayer(player), WithCapture(capture))
	c.Start(context.Background(), Opening{Text: "Hello"})
	rec.waitState(t, StateInterviewerSpeaking)

	c.EndEarly()
	waitDone(t, c)
	require.Eventually(t, func() bool { return player.canceledCount() == 1 }, waitTimeout, 5*time.Millisecond)
	starts, _ := capture.stats()
	require.Zero(t, starts)
	require.Zero(t, clk.Armed())
}

func TestControllerEndedStopsMonitors(t *testing.T) {
	ft := &fakeTransport{}
	capture := &fakeCapture{}
	c, rec, clk := newTestController(t, interview.ModeVoice, ft, WithCapture(capture))
	c.Start(context.Background(), Opening{Text: "Hello"})
	rec.waitState(t, StateListening)
	require.NotZero(t, clk.Armed())

	c.EndEarly()
	waitDone(t, c)
	_, stops := capture.stats()
	require.Equal(t, 1, stops)
	require.Zero(t, clk.Armed())
}

func TestControllerCloseReleasesEverything(t *testing.T) {
	ft := &fakeTransport{}
	c, rec, clk := newTestController(t, interview.ModeText, ft)
	c.Start(context.Background(), Opening{Text: "Hello"})
	rec.waitState(t, StateListening)

	c.Close()
	waitDone(t, c)
	require.Zero(t, clk.Armed())
	_, reports := ft.counts()
	require.Zero(t, reports)

	// Inputs after close are dropped without blocking.
	c.Submit("late")
	c.EndEarly()
	require.Empty(t, ft.submissions())
}

func TestControllerParentCancelStops(t *testing.T) {
	ft := &fakeTransport{}
	c, rec, _ := newTestController(t, interview.ModeText, ft)
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx, Opening{Text: "Hello"})
	rec.waitState(t, StateListening)
	cancel()
	waitDone(t, c)
}

func TestControllerTransportFailureReturnsToListening(t *testing.T) {
	ft := &fakeTransport{submitErrs: []error{interview.TransportError(errors.New("connection refused"), "submit turn")}}
	c, rec, _ := newTestController(t, interview.ModeText, ft)
	c.Start(context.Background(), Opening{Text: "Hello"})
	rec.waitState(t, StateListening)

	c.Submit("first try")
	notice := rec.waitFor(t, func(e Event) bool { return e.Kind == EventNotice })
	require.True(t, interview.IsTransport(notice.Err))
	require.False(t, notice.Fatal)
	rec.waitState(t, StateListening)
	require.Never(t, func() bool { return len(ft.submissions()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	c.Submit("second try")
	rec.waitInterviewer(t, "Tell me more.")
	require.Len(t, ft.submissions(), 2)
}

func TestControllerNotFoundIsFatal(t *testing.T) {
	ft := &fakeTransport{submitErrs: []error{errors.Wrap(interview.ErrNotFound, "session s1")}}
	c, rec, _ := newTestController(t, interview.ModeText, ft)
	c.Start(context.Background(), Opening{Text: "Hello"})
	rec.waitState(t, StateListening)

	c.Submit("hello?")
	notice := rec.waitFor(t, func(e Event) bool { return e.Kind == EventNotice })
	require.True(t, notice.Fatal)
	waitDone(t, c)
	require.Equal(t, StateEnded, c.State())
	_, reports := ft.counts()
	require.Zero(t, reports)
}

func TestControllerReportRetry(t *testing.T) {
	ft := &fakeTransport{reportErrs: []error{interview.TransportError(errors.New("502"), "report")}}
	c, rec, _ := newTestController(t, interview.ModeText, ft)
	c.Start(context.Background(), Opening{Text: "Goodbye", Final: true})

	notice := rec.waitFor(t, func(e Event) bool { return e.Kind == EventNotice })
	require.True(t, notice.Retry)
	select {
	case <-c.Done():
		t.Fatal("controller finished while a report retry is pending")
	case <-time.After(20 * time.Millisecond):
	}

	c.RetryReport()
	rec.waitFor(t, func(e Event) bool { return e.Kind == EventReport })
	waitDone(t, c)
	_, reports := ft.counts()
	require.Equal(t, 2, reports)
}

func TestControllerForceEndTurnSubmitsCapturedAudio(t *testing.T) {
	ft := &fakeTransport{}
	capture := &fakeCapture{audio: []byte("partial answer")}
	c, rec, clk := newTestController(t, interview.ModeVoice, ft, WithCapture(capture))
	c.Start(context.Background(), Opening{Text: "Hello"})
	rec.waitState(t, StateListening)

	capture.level(0.4)
	c.ForceEndTurn()
	rec.waitInterviewer(t, "Tell me more.")

	subs := ft.submissions()
	require.Len(t, subs, 1)
	require.Equal(t, []byte("partial answer"), subs[0].Audio)
	require.False(t, subs[0].Silent)

	// The detector of the forced turn must not fire into the next one.
	rec.waitState(t, StateListening)
	clk.Advance(2500 * time.Millisecond)
	require.Never(t, func() bool { return len(ft.submissions()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestControllerForceEndTurnInTextModeSendsSilence(t *testing.T) {
	ft := &fakeTransport{}
	c, rec, _ := newTestController(t, interview.ModeText, ft)
	c.Start(context.Background(), Opening{Text: "Hello"})
	rec.waitState(t, StateListening)

	c.ForceEndTurn()
	rec.waitInterviewer(t, "Tell me more.")
	subs := ft.submissions()
	require.Len(t, subs, 1)
	require.True(t, subs[0].Silent)
	require.Empty(t, subs[0].Audio)
}

func TestControllerEndEarlyWhileProcessingCancelsSubmission(t *testing.T) {
	ft := &fakeTransport{hold: true}
	c, rec, _ := newTestController(t, interview.ModeText, ft)
	c.Start(context.Background(), Opening{Text: "Hello"})
	rec.waitState(t, StateListening)

	c.Submit("a long answer")
	rec.waitState(t, StateProcessing)
	require.Eventually(t, func() bool { return len(ft.submissions()) == 1 }, waitTimeout, 5*time.Millisecond)

	c.EndEarly()
	rep := rec.waitFor(t, func(e Event) bool { return e.Kind == EventReport || e.Text == "too late" })
	require.Equal(t, EventReport, rep.Kind)
	waitDone(t, c)

	require.Eventually(t, func() bool { return ft.canceledSubmits() == 1 }, waitTimeout, 5*time.Millisecond)
	endEarly, reports := ft.counts()
	require.Equal(t, 1, endEarly)
	require.Equal(t, 1, reports)
	require.Equal(t, StateEnded, c.State())
}

func TestControllerCaptureDeniedStillHonorsCeiling(t *testing.T) {
	ft := &fakeTransport{}
	capture := &fakeCapture{startErr: errors.Wrap(interview.ErrCaptureDenied, "stdin closed")}
	c, rec, clk := newTestController(t, interview.ModeVoice, ft, WithCapture(capture))
	c.Start(context.Background(), Opening{Text: "Hello"})
	rec.waitFor(t, func(e Event) bool { return e.Kind == EventNotice })
	rec.waitState(t, StateListening)

	clk.Advance(59 * time.Second)
	require.Never(t, func() bool { return len(ft.submissions()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clk.Advance(time.Second)
	rec.waitInterviewer(t, "Tell me more.")
	subs := ft.submissions()
	require.Len(t, subs, 1)
	require.True(t, subs[0].Silent)
	require.Empty(t, subs[0].Audio)
}
