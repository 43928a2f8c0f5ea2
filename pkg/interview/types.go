package interview

import (
	"strings"
	"time"
)

// Mode selects how the candidate answers: by microphone or by keyboard.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeText  Mode = "text"
)

// SilenceMarker is the wire form of an explicit non-answer.
const SilenceMarker = "[SILENCE]"

// Duration bounds (minutes) accepted when starting a session.
const (
	MinDurationMinutes = 3
	MaxDurationMinutes = 45
)

// ParseMode maps the user facing mode names onto a Mode. The original web
// client called text mode "chat", so that spelling is accepted as well.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "voice":
		return ModeVoice, true
	case "text", "chat":
		return ModeText, true
	default:
		return "", false
	}
}

// Metadata describes the interview being started.
type Metadata struct {
	CandidateName   string `json:"candidate_name"`
	Role            string `json:"role"`
	Mode            Mode   `json:"mode"`
	DurationMinutes int    `json:"duration_minutes"`
	Resume          string `json:"resume"`
}

// Scores are the per-answer ratings, each in [0,10].
type Scores struct {
	Relevance         int `json:"relevance_score"`
	Clarity           int `json:"clarity_score"`
	TechnicalAccuracy int `json:"technical_accuracy_score"`
	Overall           int `json:"overall_score"`
}

// Clamp forces every score into [0,10].
func (s Scores) Clamp() Scores {
	return Scores{
		Relevance:         clampScore(s.Relevance),
		Clarity:           clampScore(s.Clarity),
		TechnicalAccuracy: clampScore(s.TechnicalAccuracy),
		Overall:           clampScore(s.Overall),
	}
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

// TranscriptEntry is one answered (or unanswered) question.
type TranscriptEntry struct {
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	Silent     bool      `json:"silent"`
	Scores     Scores    `json:"scores"`
	Feedback   string    `json:"feedback"`
	AnsweredAt time.Time `json:"answered_at"`
}

// Substantive reports whether the candidate actually said something worth
// evaluating. Silence markers, blank answers and explicit skips are not.
func (e TranscriptEntry) Substantive() bool {
	if e.Silent {
		return false
	}
	return !IsBlankAnswer(e.Answer) && !IsSkipAnswer(e.Answer)
}

// IsBlankAnswer is true for empty answers and for the wire silence marker.
func IsBlankAnswer(answer string) bool {
	a := strings.TrimSpace(answer)
	return a == "" || a == SilenceMarker
}

// IsSkipAnswer recognizes the candidate explicitly passing on a question.
func IsSkipAnswer(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "skip", "pass":
		return true
	}
	return false
}

// Session is the server side record of one interview.
type Session struct {
	ID        string    `json:"id"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Transcript []TranscriptEntry `json:"transcript"`
	// PendingQuestion is the interviewer utterance the candidate is answering.
	PendingQuestion string `json:"pending_question"`

	Finished            bool `json:"finished"`
	EndedEarly          bool `json:"ended_early"`
	Reported            bool `json:"reported"`
	ConsecutiveSilences int  `json:"consecutive_silences"`

	// LastSubmission makes turn submissions safe to retry.
	LastSubmission *SubmissionRecord `json:"last_submission,omitempty"`
	// Report is cached once generated so report retries are idempotent.
	Report *Report `json:"report,omitempty"`
}

// SubmissionRecord remembers the response to the latest turn submission under
// its idempotency key.
type SubmissionRecord struct {
	IdempotencyKey string `json:"idempotency_key"`
	UserText       string `json:"user_text"`
	AIText         string `json:"ai_text"`
	AudioHandle    string `json:"audio_handle,omitempty"`
	Finished       bool   `json:"finished"`
}

// Reportable is true once a report may be produced for the session.
func (s *Session) Reportable() bool {
	return s != nil && (s.Finished || s.EndedEarly)
}

// CandidateTurns counts the candidate answers recorded so far.
func (s *Session) CandidateTurns() int {
	if s == nil {
		return 0
	}
	return len(s.Transcript)
}

// Elapsed is the wall time since the session was created.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s == nil || s.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(s.CreatedAt)
}

// Remaining is the planned duration minus elapsed, never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	if s == nil {
		return 0
	}
	planned := time.Duration(s.Metadata.DurationMinutes) * time.Minute
	left := planned - s.Elapsed(now)
	if left < 0 {
		return 0
	}
	return left
}

// Clone returns a deep copy so callers can never mutate stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Transcript = append([]TranscriptEntry(nil), s.Transcript...)
	if s.LastSubmission != nil {
		rec := *s.LastSubmission
		out.LastSubmission = &rec
	}
	if s.Report != nil {
		r := *s.Report
		r.Transcript = append([]TranscriptEntry{}, s.Report.Transcript...)
		r.Strengths = append([]string(nil), s.Report.Strengths...)
		r.AreasForImprovement = append([]string(nil), s.Report.AreasForImprovement...)
		out.Report = &r
	}
	return &out
}

// Ratings are the three aggregate report scores.
type Ratings struct {
	Communication int `json:"communication_rating"`
	Technical     int `json:"technical_rating"`
	CultureFit    int `json:"culture_fit_rating"`
}

// Report is the scored outcome of an interview.
type Report struct {
	SessionID string `json:"session_id"`
	Summary   string `json:"summary"`
	Ratings
	Strengths           []string          `json:"strengths"`
	AreasForImprovement []string          `json:"areas_for_improvement"`
	Transcript          []TranscriptEntry `json:"transcript_analysis"`
	Incomplete          bool              `json:"incomplete"`
	EndedEarly          bool              `json:"ended_early"`
	GeneratedAt         time.Time         `json:"generated_at"`
}
