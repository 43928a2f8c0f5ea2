package webinterview

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/grillo/pkg/events"
	"github.com/go-go-golems/grillo/pkg/interview"
	"github.com/go-go-golems/grillo/pkg/orchestrator"
	"github.com/go-go-golems/grillo/pkg/report"
)

func TestStartValidatesDuration(t *testing.T) {
	h := newHarness(t, nil)
	cases := []struct {
		duration int
		status   int
	}{
		{2, http.StatusBadRequest},
		{3, http.StatusOK},
		{45, http.StatusOK},
		{46, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, data := h.do("POST", "/api/interviews", map[string]any{
			"name": "Ada Lovelace", "role": "SRE", "duration": tc.duration, "mode": "text", "resume": testResume,
		})
		require.Equal(t, tc.status, resp.StatusCode, "duration %d: %s", tc.duration, data)
		if tc.status == http.StatusBadRequest {
			apiErr := decodeEnvelope(t, data)
			require.Equal(t, ErrorValidation, apiErr.Type)
			require.Equal(t, "duration", apiErr.Field)
		}
	}
	require.Equal(t, 2, h.store.Len())
}

func TestStartRejectsBadResume(t *testing.T) {
	h := newHarness(t, nil)
	resp, data := h.do("POST", "/api/interviews", map[string]any{
		"name": "Grace Hopper", "role": "SRE", "duration": 10, "resume": testResume,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "name", decodeEnvelope(t, data).Field)

	resp, data = h.do("POST", "/api/interviews", map[string]any{
		"name": "Ada", "role": "SRE", "duration": 10, "resume": "Ada",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "resume", decodeEnvelope(t, data).Field)
}

func TestTextSessionScenario(t *testing.T) {
	h := newHarness(t, nil)
	st := h.start("text", 10)
	require.Contains(t, st.Text, "Hello Ada Lovelace")
	require.Equal(t, interview.ModeText, st.Mode)
	require.Empty(t, st.AudioURL, "text sessions get no audio")

	h.clock.Advance(time.Minute)
	status, r, data := h.sendText(st.SessionID, "I built the difference engine control software in Go.", false)
	require.Equal(t, http.StatusOK, status, string(data))
	require.False(t, r.Finished)
	require.NotEmpty(t, r.AIText)

	status, r, _ = h.sendText(st.SessionID, "", true)
	require.Equal(t, http.StatusOK, status)
	require.False(t, r.Finished)
	require.Equal(t, interview.SilenceMarker, r.UserText)

	status, r, _ = h.sendText(st.SessionID, "", true)
	require.Equal(t, http.StatusOK, status)
	require.True(t, r.Finished)
	require.Equal(t, orchestrator.SilenceClosingLine, r.AIText)

	sess, err := h.store.Get(t.Context(), st.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Transcript, 3)
	require.True(t, sess.Finished)
	require.False(t, sess.EndedEarly)
	require.Equal(t, st.Text, sess.Transcript[0].Question)

	// Finished sessions answer but never grow.
	status, r, _ = h.sendText(st.SessionID, "one more thing", false)
	require.Equal(t, http.StatusOK, status)
	require.True(t, r.Finished)
	require.Equal(t, orchestrator.AlreadyConcludedLine, r.AIText)
	sess, err = h.store.Get(t.Context(), st.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Transcript, 3)

	resp, data := h.do("GET", "/api/interviews/"+st.SessionID+"/report", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var rep interview.Report
	require.NoError(t, json.Unmarshal(data, &rep))
	require.False(t, rep.Incomplete)
	require.Len(t, rep.Transcript, 3)
	require.Equal(t, report.ComputeRatings(sess.Transcript), rep.Ratings)

	h.clock.Advance(time.Second)
	resp, again := h.do("GET", "/api/interviews/"+st.SessionID+"/report", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, string(data), string(again))
}

func TestVoiceSessionEndedEarlyBeforeAnyTurn(t *testing.T) {
	h := newHarness(t, nil)
	st := h.start("voice", 15)
	require.NotEmpty(t, st.AudioURL)

	resp, data := h.do("GET", st.AudioURL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	require.Equal(t, "mp3:"+st.Text, string(data))

	resp, data = h.do("GET", "/api/interviews/"+st.SessionID+"/report", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, ErrorConflict, decodeEnvelope(t, data).Type)
	require.Equal(t, CodeNotFinished, decodeEnvelope(t, data).Code)

	for i := 0; i < 2; i++ {
		resp, data = h.do("POST", "/api/interviews/"+st.SessionID+"/end", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var end endResponse
		require.NoError(t, json.Unmarshal(data, &end))
		require.True(t, end.Finished)
		require.True(t, end.EndedEarly)
	}

	resp, data = h.do("GET", "/api/interviews/"+st.SessionID+"/report", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rep interview.Report
	require.NoError(t, json.Unmarshal(data, &rep))
	require.True(t, rep.Incomplete)
	require.True(t, rep.EndedEarly)
	require.Equal(t, interview.Ratings{}, rep.Ratings)
	require.Equal(t, report.InsufficientSummary, rep.Summary)
	require.Empty(t, rep.Transcript)
	require.Zero(t, h.reasoner.Calls())
}

func TestUnknownSessionIsNotFound(t *testing.T) {
	h := newHarness(t, nil)
	status, _, data := h.sendText("nope", "hello", false)
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, ErrorNotFound, decodeEnvelope(t, data).Type)

	for _, path := range []string{"/api/interviews/nope/report", "/api/interviews/nope", "/api/audio/nope"} {
		resp, _ := h.do("GET", path, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp, _ := h.do("POST", "/api/interviews/nope/end", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConcurrentSubmissionIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	st := h.start("text", 10)

	unlock, err := h.locker.TryLock(t.Context(), st.SessionID)
	require.NoError(t, err)
	status, _, data := h.sendText(st.SessionID, "hello there", false)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, ErrorConflict, decodeEnvelope(t, data).Type)
	require.Equal(t, CodeTurnInFlight, decodeEnvelope(t, data).Code)
	unlock()

	status, _, _ = h.sendText(st.SessionID, "hello there", false)
	require.Equal(t, http.StatusOK, status)
}

func TestParallelSubmissionsNeverDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	st := h.start("text", 10)

	var wg sync.WaitGroup
	statuses := make(chan int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _, _ := h.sendText(st.SessionID, "a perfectly fine answer", false)
			statuses <- status
		}()
	}
	wg.Wait()
	close(statuses)
	ok := 0
	for s := range statuses {
		require.Contains(t, []int{http.StatusOK, http.StatusConflict}, s)
		if s == http.StatusOK {
			ok++
		}
	}
	sess, err := h.store.Get(t.Context(), st.SessionID)
	require.NoError(t, err)
	require.Equal(t, ok, len(sess.Transcript))
}

func TestIdempotentRetryReplaysResponse(t *testing.T) {
	h := newHarness(t, nil)
	st := h.start("text", 10)

	status, first, _ := h.sendText(st.SessionID, "my answer", false, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusOK, status)
	status, second, _ := h.sendText(st.SessionID, "my answer", false, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, first, second)

	sess, err := h.store.Get(t.Context(), st.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Transcript, 1)
}

func TestEngineFailureIsRetrySafe(t *testing.T) {
	h := newHarness(t, nil)
	st := h.start("text", 10)

	h.reasoner.setFail(errors.New("upstream down"))
	status, _, data := h.sendText(st.SessionID, "my answer", false)
	require.Equal(t, http.StatusBadGateway, status)
	require.Equal(t, ErrorTransport, decodeEnvelope(t, data).Type)
	sess, err := h.store.Get(t.Context(), st.SessionID)
	require.NoError(t, err)
	require.Empty(t, sess.Transcript)

	h.reasoner.setFail(nil)
	status, _, _ = h.sendText(st.SessionID, "my answer", false)
	require.Equal(t, http.StatusOK, status)
}

func multipartBody(t *testing.T, fields map[string]string, fileField, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func postMultipart(t *testing.T, h *harness, path string, body *bytes.Buffer, ct string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(h.srv.URL+path, ct, body)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func TestAudioTurns(t *testing.T) {
	h := newHarness(t, fakeSTT{text: "I optimized the mill scheduling loop."})
	st := h.start("voice", 10)

	body, ct := multipartBody(t, nil, "file", "answer.webm", make([]byte, 512))
	resp, data := postMultipart(t, h, "/api/interviews/"+st.SessionID+"/audio", body, ct)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var r turnResponse
	require.NoError(t, json.Unmarshal(data, &r))
	require.Equal(t, interview.SilenceMarker, r.UserText)
	require.NotEmpty(t, r.AudioURL)

	body, ct = multipartBody(t, nil, "file", "answer.webm", make([]byte, 4096))
	resp, data = postMultipart(t, h, "/api/interviews/"+st.SessionID+"/audio", body, ct)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &r))
	require.Equal(t, "I optimized the mill scheduling loop.", r.UserText)

	sess, err := h.store.Get(t.Context(), st.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Transcript, 2)
	require.True(t, sess.Transcript[0].Silent)
	require.Zero(t, sess.ConsecutiveSilences)
}

func TestShortTranscriptIsSilence(t *testing.T) {
	h := newHarness(t, fakeSTT{text: " uh "})
	st := h.start("voice", 10)

	body, ct := multipartBody(t, nil, "file", "answer.webm", make([]byte, 4096))
	resp, data := postMultipart(t, h, "/api/interviews/"+st.SessionID+"/audio", body, ct)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var r turnResponse
	require.NoError(t, json.Unmarshal(data, &r))
	require.Equal(t, interview.SilenceMarker, r.UserText)
}

func TestLegacyRoutes(t *testing.T) {
	h := newHarness(t, nil)

	body, ct := multipartBody(t, map[string]string{
		"name": "Ada Lovelace", "role": "Backend Engineer", "duration": "10", "mode": "chat",
	}, "resume", "resume.txt", []byte(testResume))
	resp, data := postMultipart(t, h, "/start_interview", body, ct)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var st startResponse
	require.NoError(t, json.Unmarshal(data, &st))
	require.Equal(t, interview.ModeText, st.Mode)

	resp, data = h.do("POST", "/process_text", map[string]any{"session_id": st.SessionID, "text": "Hello, I write compilers.", "is_silence": false})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var r turnResponse
	require.NoError(t, json.Unmarshal(data, &r))
	require.False(t, r.Finished)

	resp, data = h.do("GET", "/generate_report/"+st.SessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var rep interview.Report
	require.NoError(t, json.Unmarshal(data, &rep))
	require.True(t, rep.EndedEarly)
	require.False(t, rep.Incomplete)
	require.Len(t, rep.Transcript, 1)
}

func TestSessionStatus(t *testing.T) {
	h := newHarness(t, nil)
	st := h.start("text", 10)
	h.clock.Advance(4 * time.Minute)

	resp, data := h.do("GET", "/api/interviews/"+st.SessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var s sessionResponse
	require.NoError(t, json.Unmarshal(data, &s))
	require.Equal(t, 360, s.RemainingSeconds)
	require.Equal(t, st.Text, s.PendingQuestion)
	require.False(t, s.Finished)
}

func TestEventsWebSocket(t *testing.T) {
	h := newHarness(t, nil)
	st := h.start("text", 10)
	conn := h.dialEvents(st.SessionID)

	// The subscription is live before the upgrade completes.
	status, _, _ := h.sendText(st.SessionID, "an answer worth streaming", false)
	require.Equal(t, http.StatusOK, status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, events.TypeTurnRecorded, ev.Type)
	require.Equal(t, st.SessionID, ev.SessionID)
	require.Equal(t, 1, ev.Turn)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, nil)
	h.start("text", 10)

	resp, data := h.do("GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(data))

	resp, data = h.do("GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.Contains(string(data), `grillo_sessions_started_total{mode="text"} 1`))
}
