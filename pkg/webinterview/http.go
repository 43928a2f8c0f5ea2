package webinterview

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/grillo/pkg/events"
	"github.com/go-go-golems/grillo/pkg/interview"
)

const (
	maxResumeBytes = 1 << 20
	maxAudioBytes  = 25 << 20
	maxJSONBytes   = 1 << 20
)

// InterviewService is the surface the HTTP handlers drive.
type InterviewService interface {
	Start(ctx context.Context, req interview.StartRequest) (StartResult, error)
	SubmitText(ctx context.Context, in TurnInput) (TurnResult, error)
	SubmitAudio(ctx context.Context, in AudioInput) (TurnResult, error)
	EndEarly(ctx context.Context, sessionID string) (*interview.Session, error)
	Report(ctx context.Context, sessionID string) (*interview.Report, error)
	Session(ctx context.Context, sessionID string) (*interview.Session, error)
	Audio(ctx context.Context, handle string) ([]byte, error)
	Subscribe(ctx context.Context, sessionID string) (<-chan events.Event, error)
}

var _ InterviewService = &Service{}

type HandlerOptions struct {
	Logger         zerolog.Logger
	MetricsHandler http.Handler
	Upgrader       websocket.Upgrader
	Now            func() time.Time
}

// NewHandler mounts the interview API, its legacy aliases, health and
// metrics on a fresh mux.
func NewHandler(svc InterviewService, opts HandlerOptions) http.Handler {
	logger := opts.Logger
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	mux := http.NewServeMux()

	start := NewStartHTTPHandler(svc, logger)
	mux.Handle("POST /api/interviews", start)
	mux.Handle("GET /api/interviews/{id}", NewSessionHTTPHandler(svc, logger, now))
	mux.Handle("POST /api/interviews/{id}/text", NewTextHTTPHandler(svc, logger))
	mux.Handle("POST /api/interviews/{id}/audio", NewAudioHTTPHandler(svc, logger))
	mux.Handle("POST /api/interviews/{id}/end", NewEndHTTPHandler(svc, logger))
	mux.Handle("GET /api/interviews/{id}/report", NewReportHTTPHandler(svc, logger, false))
	mux.Handle("GET /api/interviews/{id}/events", NewEventsWSHandler(svc, opts.Upgrader, logger))
	mux.Handle("GET /api/audio/{handle}", NewAudioFetchHTTPHandler(svc, logger))

	mux.Handle("POST /start_interview", start)
	mux.Handle("POST /process_text", NewTextHTTPHandler(svc, logger))
	mux.Handle("POST /process_audio", NewAudioHTTPHandler(svc, logger))
	mux.Handle("GET /generate_report/{id}", NewReportHTTPHandler(svc, logger, true))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, logger, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}
	return mux
}

type startResponse struct {
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	AudioURL  string         `json:"audio_url"`
	Mode      interview.Mode `json:"mode"`
}

type turnResponse struct {
	UserText string `json:"user_text,omitempty"`
	AIText   string `json:"ai_text"`
	AudioURL string `json:"audio_url"`
	Finished bool   `json:"finished"`
}

type endResponse struct {
	SessionID  string `json:"session_id"`
	Finished   bool   `json:"finished"`
	EndedEarly bool   `json:"ended_early"`
}

type sessionResponse struct {
	SessionID        string         `json:"session_id"`
	CandidateName    string         `json:"candidate_name"`
	Role             string         `json:"role"`
	Mode             interview.Mode `json:"mode"`
	DurationMinutes  int            `json:"duration_minutes"`
	Turns            int            `json:"turns"`
	PendingQuestion  string         `json:"pending_question,omitempty"`
	RemainingSeconds int            `json:"remaining_seconds"`
	Finished         bool           `json:"finished"`
	EndedEarly       bool           `json:"ended_early"`
	Reported         bool           `json:"reported"`
}

func audioURL(handle string) string {
	if handle == "" {
		return ""
	}
	return "/api/audio/" + handle
}

func NewStartHTTPHandler(svc InterviewService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		in, err := parseStartRequest(req)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		res, err := svc.Start(req.Context(), in)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, startResponse{
			SessionID: res.SessionID,
			Text:      res.Text,
			AudioURL:  audioURL(res.AudioHandle),
			Mode:      res.Mode,
		})
	}
}

type textRequestBody struct {
	SessionID      string `json:"session_id"`
	Text           string `json:"text"`
	IsSilence      bool   `json:"is_silence"`
	IdempotencyKey string `json:"idempotency_key"`
}

func NewTextHTTPHandler(svc InterviewService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body textRequestBody
		if err := json.NewDecoder(io.LimitReader(req.Body, maxJSONBytes)).Decode(&body); err != nil {
			writeError(w, logger, &interview.ValidationError{Field: "body", Reason: "invalid JSON body"})
			return
		}
		id := sessionIDFromRequest(req, body.SessionID)
		res, err := svc.SubmitText(req.Context(), TurnInput{
			SessionID:      id,
			Text:           body.Text,
			Silent:         body.IsSilence,
			IdempotencyKey: idempotencyKeyFromRequest(req, body.IdempotencyKey),
		})
		if err != nil {
			writeError(w, logger.With().Str("session_id", id).Logger(), err)
			return
		}
		writeJSON(w, logger, http.StatusOK, turnResponse{
			UserText: res.UserText,
			AIText:   res.AIText,
			AudioURL: audioURL(res.AudioHandle),
			Finished: res.Finished,
		})
	}
}

func NewAudioHTTPHandler(svc InterviewService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		req.Body = http.MaxBytesReader(w, req.Body, maxAudioBytes)
		if err := req.ParseMultipartForm(maxAudioBytes); err != nil {
			writeError(w, logger, &interview.ValidationError{Field: "file", Reason: "expected a multipart form with an audio file"})
			return
		}
		f, hdr, err := req.FormFile("file")
		if err != nil {
			writeError(w, logger, &interview.ValidationError{Field: "file", Reason: "missing audio file"})
			return
		}
		defer func() { _ = f.Close() }()
		data, err := io.ReadAll(f)
		if err != nil {
			writeError(w, logger, errors.Wrap(err, "read audio"))
			return
		}
		id := sessionIDFromRequest(req, req.FormValue("session_id"))
		res, err := svc.SubmitAudio(req.Context(), AudioInput{
			SessionID:      id,
			Audio:          data,
			Filename:       hdr.Filename,
			IdempotencyKey: idempotencyKeyFromRequest(req, req.FormValue("idempotency_key")),
		})
		if err != nil {
			writeError(w, logger.With().Str("session_id", id).Logger(), err)
			return
		}
		writeJSON(w, logger, http.StatusOK, turnResponse{
			UserText: res.UserText,
			AIText:   res.AIText,
			AudioURL: audioURL(res.AudioHandle),
			Finished: res.Finished,
		})
	}
}

func NewEndHTTPHandler(svc InterviewService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := req.PathValue("id")
		sess, err := svc.EndEarly(req.Context(), id)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, endResponse{SessionID: sess.ID, Finished: sess.Finished, EndedEarly: sess.EndedEarly})
	}
}

// NewReportHTTPHandler serves the report. The legacy route ends a running
// interview first, since old clients never called an explicit end.
func NewReportHTTPHandler(svc InterviewService, logger zerolog.Logger, endRunning bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		id := req.PathValue("id")
		if endRunning {
			if _, err := svc.EndEarly(req.Context(), id); err != nil {
				writeError(w, logger, err)
				return
			}
		}
		r, err := svc.Report(req.Context(), id)
		if err != nil {
			writeError(w, logger.With().Str("session_id", id).Logger(), err)
			return
		}
		writeJSON(w, logger, http.StatusOK, r)
	}
}

func NewSessionHTTPHandler(svc InterviewService, logger zerolog.Logger, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sess, err := svc.Session(req.Context(), req.PathValue("id"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, sessionResponse{
			SessionID:        sess.ID,
			CandidateName:    sess.Metadata.CandidateName,
			Role:             sess.Metadata.Role,
			Mode:             sess.Metadata.Mode,
			DurationMinutes:  sess.Metadata.DurationMinutes,
			Turns:            sess.CandidateTurns(),
			PendingQuestion:  sess.PendingQuestion,
			RemainingSeconds: int(sess.Remaining(now()).Seconds()),
			Finished:         sess.Finished,
			EndedEarly:       sess.EndedEarly,
			Reported:         sess.Reported,
		})
	}
}

func NewAudioFetchHTTPHandler(svc InterviewService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		data, err := svc.Audio(req.Context(), req.PathValue("handle"))
		if err != nil {
			writeError(w, logger, err)
			return
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if _, err := w.Write(data); err != nil {
			logger.Warn().Err(err).Msg("audio write failed")
		}
	}
}

func sessionIDFromRequest(req *http.Request, fallback string) string {
	if id := strings.TrimSpace(req.PathValue("id")); id != "" {
		return id
	}
	return strings.TrimSpace(fallback)
}

func idempotencyKeyFromRequest(r *http.Request, bodyKey string) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	}
	if key == "" {
		key = strings.TrimSpace(bodyKey)
	}
	return key
}

type startRequestBody struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	Duration int    `json:"duration"`
	Mode     string `json:"mode"`
	Resume   string `json:"resume"`
}

// parseStartRequest accepts JSON or a (multipart) form. In a form the resume
// may be a file part or a plain field.
func parseStartRequest(req *http.Request) (interview.StartRequest, error) {
	ct, _, _ := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if ct == "application/json" {
		var body startRequestBody
		if err := json.NewDecoder(io.LimitReader(req.Body, maxJSONBytes)).Decode(&body); err != nil {
			return interview.StartRequest{}, &interview.ValidationError{Field: "body", Reason: "invalid JSON body"}
		}
		return interview.StartRequest(body), nil
	}

	if ct == "multipart/form-data" {
		if err := req.ParseMultipartForm(maxResumeBytes); err != nil {
			return interview.StartRequest{}, &interview.ValidationError{Field: "body", Reason: "invalid multipart form"}
		}
	} else if err := req.ParseForm(); err != nil {
		return interview.StartRequest{}, &interview.ValidationError{Field: "body", Reason: "invalid form"}
	}

	out := interview.StartRequest{
		Name:   req.FormValue("name"),
		Role:   req.FormValue("role"),
		Mode:   req.FormValue("mode"),
		Resume: req.FormValue("resume"),
	}
	if d := strings.TrimSpace(req.FormValue("duration")); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil {
			return interview.StartRequest{}, &interview.ValidationError{Field: "duration", Reason: "duration must be a whole number of minutes"}
		}
		out.Duration = n
	}
	if req.MultipartForm != nil {
		if f, _, err := req.FormFile("resume"); err == nil {
			defer func() { _ = f.Close() }()
			data, err := io.ReadAll(io.LimitReader(f, maxResumeBytes))
			if err != nil {
				return interview.StartRequest{}, errors.Wrap(err, "read resume")
			}
			out.Resume = string(data)
		}
	}
	return out, nil
}
