// Package engine holds the collaborators the interview delegates to: a
// reasoning engine that writes interviewer utterances and scores answers,
// and speech adapters for transcription and synthesis.
package engine

import (
	"context"
	"time"

	"github.com/go-go-golems/grillo/pkg/interview"
)

// ReplyRequest is everything the engine may look at to produce the next
// interviewer utterance. Transcript already contains the answer being
// responded to.
type ReplyRequest struct {
	Metadata   interview.Metadata
	Opening    string
	Transcript []interview.TranscriptEntry
	Remaining  time.Duration
}

// Reply is the engine's next utterance. Finished is authoritative when set.
type Reply struct {
	Utterance string
	Finished  bool
}

// Evaluation scores a single answer.
type Evaluation struct {
	Scores   interview.Scores
	Feedback string
}

// PhraseRequest asks for the prose parts of a report. Ratings are already
// computed and must not be changed by the engine.
type PhraseRequest struct {
	Metadata   interview.Metadata
	Transcript []interview.TranscriptEntry
	Ratings    interview.Ratings
}

// Phrasing is the prose part of a report.
type Phrasing struct {
	Summary             string   `json:"summary"`
	Strengths           []string `json:"strengths"`
	AreasForImprovement []string `json:"areas_for_improvement"`
}

// Reasoner is the opaque reasoning engine.
type Reasoner interface {
	Reply(ctx context.Context, req ReplyRequest) (Reply, error)
	Score(ctx context.Context, question, answer string) (Evaluation, error)
	Phrase(ctx context.Context, req PhraseRequest) (Phrasing, error)
}

// Transcriber converts a recorded answer to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Speaker renders an utterance to audio bytes (audio/mpeg).
type Speaker interface {
	Speak(ctx context.Context, text string) ([]byte, error)
}
