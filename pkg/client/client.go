// Package client talks to the interview HTTP API. Client implements
// turn.Transport so a turn.Controller can drive a remote session.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/grillo/pkg/interview"
	"github.com/go-go-golems/grillo/pkg/turn"
)

const maxResponseBytes = 32 << 20

type Client struct {
	baseURL *url.URL
	http    *http.Client
}

var _ turn.Transport = &Client{}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, errors.Wrap(err, "client: parse base url")
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("client: base url %q needs a scheme and host", baseURL)
	}
	c := &Client{baseURL: u, http: &http.Client{Timeout: 2 * time.Minute}}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type StartParams struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	Duration int    `json:"duration"`
	Mode     string `json:"mode"`
	Resume   string `json:"resume"`
}

type StartResult struct {
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	AudioURL  string         `json:"audio_url"`
	Mode      interview.Mode `json:"mode"`
}

// Start validates p locally and only then opens a session; invalid
// parameters come back as *interview.ValidationError without a request.
func (c *Client) Start(ctx context.Context, p StartParams) (StartResult, error) {
	req := interview.StartRequest{Name: p.Name, Role: p.Role, Duration: p.Duration, Mode: p.Mode, Resume: p.Resume}
	if _, err := req.Validate(); err != nil {
		return StartResult{}, err
	}
	var out StartResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/interviews", "", p, &out); err != nil {
		return StartResult{}, err
	}
	return out, nil
}

type turnResponse struct {
	UserText string `json:"user_text"`
	AIText   string `json:"ai_text"`
	AudioURL string `json:"audio_url"`
	Finished bool   `json:"finished"`
}

// Submit sends a typed turn, an explicit silence or a recording. The
// returned AudioHandle is the URL to pass to Audio.
func (c *Client) Submit(ctx context.Context, sessionID string, sub turn.Submission) (turn.Reply, error) {
	var out turnResponse
	var err error
	if len(sub.Audio) > 0 {
		err = c.submitAudio(ctx, sessionID, sub, &out)
	} else {
		body := map[string]any{"text": sub.Text, "is_silence": sub.Silent}
		err = c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "text"), sub.IdempotencyKey, body, &out)
	}
	if err != nil {
		return turn.Reply{}, err
	}
	return turn.Reply{UserText: out.UserText, AIText: out.AIText, AudioHandle: out.AudioURL, Finished: out.Finished}, nil
}

func (c *Client) submitAudio(ctx context.Context, sessionID string, sub turn.Submission, out *turnResponse) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	name := sub.Filename
	if name == "" {
		name = "answer.wav"
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return errors.Wrap(err, "client: build upload")
	}
	if _, err := fw.Write(sub.Audio); err != nil {
		return errors.Wrap(err, "client: build upload")
	}
	if err := mw.Close(); err != nil {
		return errors.Wrap(err, "client: build upload")
	}
	req, err := c.newRequest(ctx, http.MethodPost, sessionPath(sessionID, "audio"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if sub.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", sub.IdempotencyKey)
	}
	return c.do(req, out)
}

func (c *Client) EndEarly(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, sessionPath(sessionID, "end"), "", nil, nil)
}

func (c *Client) Report(ctx context.Context, sessionID string) (*interview.Report, error) {
	var rep interview.Report
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(sessionID, "report"), "", nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Audio downloads synthesized speech from a URL returned by Start or Submit.
func (c *Client) Audio(ctx context.Context, audioURL string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, interview.TransportError(err, "fetch audio")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, interview.TransportError(err, "read audio")
	}
	return data, nil
}

func sessionPath(id, action string) string {
	return "/api/interviews/" + id + "/" + action
}

func (c *Client) newRequest(ctx context.Context, method, ref string, body io.Reader) (*http.Request, error) {
	u, err := c.baseURL.Parse(ref)
	if err != nil {
		return nil, errors.Wrapf(err, "client: resolve %s", ref)
	}
	if strings.HasPrefix(ref, "/") {
		u.Path = strings.TrimRight(c.baseURL.Path, "/") + ref
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, "client: new request")
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "client: encode request")
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return interview.TransportError(err, fmt.Sprintf("%s %s", req.Method, req.URL.Path))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return interview.TransportError(err, "decode response")
	}
	return nil
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

// decodeError maps an error response back onto the interview taxonomy.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env struct {
		Error *apiError `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &env) == nil && env.Error != nil {
		msg = env.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrap(interview.ErrNotFound, msg)
	case resp.StatusCode == http.StatusBadRequest:
		field := ""
		if env.Error != nil {
			field = env.Error.Field
		}
		return &interview.ValidationError{Field: field, Reason: msg}
	case resp.StatusCode == http.StatusConflict:
		if env.Error != nil && env.Error.Code == "not_finished" {
			return errors.Wrap(interview.ErrNotReportable, msg)
		}
		return errors.Wrap(interview.ErrTurnInFlight, msg)
	case resp.StatusCode >= 500:
		return interview.TransportError(errors.Errorf("status %d", resp.StatusCode), msg)
	default:
		return errors.Errorf("interview api: status %d: %s", resp.StatusCode, msg)
	}
}
