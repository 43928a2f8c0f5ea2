package webinterview

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grillo/pkg/engine"
	"github.com/go-go-golems/grillo/pkg/events"
	"github.com/go-go-golems/grillo/pkg/metrics"
	"github.com/go-go-golems/grillo/pkg/orchestrator"
	"github.com/go-go-golems/grillo/pkg/persistence/audiostore"
	"github.com/go-go-golems/grillo/pkg/persistence/sessionstore"
	"github.com/go-go-golems/grillo/pkg/redisstream"
	"github.com/go-go-golems/grillo/pkg/report"
)

const testResume = "Ada Lovelace\nAnalytical engine programmer with 5 years of experience."

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSTT struct{ text string }

func (f fakeSTT) Transcribe(context.Context, []byte, string) (string, error) { return f.text, nil }

type fakeTTS struct{}

func (fakeTTS) Speak(_ context.Context, text string) ([]byte, error) {
	return []byte("mp3:" + text), nil
}

// switchableReasoner lets a test make the engine fail mid-interview.
type switchableReasoner struct {
	*engine.Scripted
	mu   sync.Mutex
	fail error
}

func (s *switchableReasoner) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *switchableReasoner) Reply(ctx context.Context, req engine.ReplyRequest) (engine.Reply, error) {
	s.mu.Lock()
	err := s.fail
	s.mu.Unlock()
	if err != nil {
		return engine.Reply{}, err
	}
	return s.Scripted.Reply(ctx, req)
}

type harness struct {
	t        *testing.T
	clock    *clock
	store    *sessionstore.InMemoryStore
	locker   *sessionstore.MemoryLocker
	reasoner *switchableReasoner
	metrics  *metrics.Metrics
	svc      *Service
	srv      *httptest.Server
}

func newHarness(t *testing.T, stt engine.Transcriber) *harness {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	store := sessionstore.NewInMemoryStore(sessionstore.WithClock(clk.Now))
	locker := sessionstore.NewMemoryLocker()
	reasoner := &switchableReasoner{Scripted: engine.NewScripted()}
	m := metrics.New()

	tr, err := redisstream.BuildTransport(redisstream.DefaultSettings())
	require.NoError(t, err)
	bus := events.NewBus(tr)
	t.Cleanup(func() { _ = bus.Close() })

	opts := []ServiceOption{
		WithSpeaker(fakeTTS{}, audiostore.NewMemory(time.Minute)),
		WithEvents(bus, bus),
		WithMetrics(m),
	}
	if stt != nil {
		opts = append(opts, WithTranscriber(stt))
	}
	svc, err := NewService(store, locker,
		orchestrator.New(reasoner, orchestrator.WithClock(clk.Now)),
		report.New(reasoner, report.WithClock(clk.Now)),
		opts...)
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(svc, HandlerOptions{
		Logger:         zerolog.Nop(),
		MetricsHandler: m.Handler(),
		Now:            clk.Now,
	}))
	t.Cleanup(srv.Close)
	return &harness{t: t, clock: clk, store: store, locker: locker, reasoner: reasoner, metrics: m, svc: svc, srv: srv}
}

func (h *harness) do(method, path string, body any, headers ...string) (*http.Response, []byte) {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(h.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	return resp, data
}

func (h *harness) start(mode string, duration int) startResponse {
	h.t.Helper()
	resp, data := h.do("POST", "/api/interviews", map[string]any{
		"name": "Ada Lovelace", "role": "Backend Engineer", "duration": duration, "mode": mode, "resume": testResume,
	})
	require.Equal(h.t, http.StatusOK, resp.StatusCode, string(data))
	var out startResponse
	require.NoError(h.t, json.Unmarshal(data, &out))
	return out
}

func (h *harness) sendText(id, text string, silent bool, headers ...string) (int, turnResponse, []byte) {
	h.t.Helper()
	resp, data := h.do("POST", "/api/interviews/"+id+"/text", map[string]any{"text": text, "is_silence": silent}, headers...)
	var out turnResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(h.t, json.Unmarshal(data, &out))
	}
	return resp.StatusCode, out, data
}

func decodeEnvelope(t *testing.T, data []byte) *APIError {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.NotNil(t, env.Error)
	return env.Error
}

func (h *harness) dialEvents(id string) *websocket.Conn {
	h.t.Helper()
	url := "ws" + h.srv.URL[len("http"):] + "/api/interviews/" + id + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(h.t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	h.t.Cleanup(func() { _ = conn.Close() })
	return conn
}
