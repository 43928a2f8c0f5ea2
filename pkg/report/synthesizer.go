// Package report turns a finished interview transcript into a scored report.
package report

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/grillo/pkg/engine"
	"github.com/go-go-golems/grillo/pkg/interview"
)

// Fixed text of a report that could not be evaluated.
const (
	InsufficientSummary     = "The interview could not be meaningfully evaluated: the candidate gave no substantive answers."
	InsufficientStrength    = "N/A"
	InsufficientImprovement = "Interview was not completed"
)

// Synthesizer produces reports. Ratings come only from the stored per-entry
// scores; the engine is asked for prose and nothing else.
type Synthesizer struct {
	engine engine.Reasoner
	now    func() time.Time
}

type Option func(*Synthesizer)

func WithClock(now func() time.Time) Option {
	return func(s *Synthesizer) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Synthesizer. A nil reasoner always uses the fallback prose.
func New(r engine.Reasoner, opts ...Option) *Synthesizer {
	s := &Synthesizer{engine: r, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Synthesize builds the report for sess. It does not check whether the
// session is finished; callers gate on Session.Reportable.
func (s *Synthesizer) Synthesize(ctx context.Context, sess *interview.Session) (*interview.Report, error) {
	transcript := append([]interview.TranscriptEntry{}, sess.Transcript...)
	r := &interview.Report{
		SessionID:   sess.ID,
		Transcript:  transcript,
		EndedEarly:  sess.EndedEarly,
		GeneratedAt: s.now(),
	}

	if !HasSubstantive(transcript) {
		r.Incomplete = true
		r.Summary = InsufficientSummary
		r.Strengths = []string{InsufficientStrength}
		r.AreasForImprovement = []string{InsufficientImprovement}
		log.Info().Str("session_id", sess.ID).Msg("report gated: no substantive answers")
		return r, nil
	}

	r.Ratings = ComputeRatings(transcript)
	p := s.phrase(ctx, sess, transcript, r.Ratings)
	r.Summary = p.Summary
	r.Strengths = p.Strengths
	r.AreasForImprovement = p.AreasForImprovement
	return r, nil
}

func (s *Synthesizer) phrase(ctx context.Context, sess *interview.Session, transcript []interview.TranscriptEntry, ratings interview.Ratings) engine.Phrasing {
	fallback := FallbackPhrasing(sess.Metadata, transcript, ratings)
	if s.engine == nil {
		return fallback
	}
	p, err := s.engine.Phrase(ctx, engine.PhraseRequest{
		Metadata:   sess.Metadata,
		Transcript: transcript,
		Ratings:    ratings,
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("report phrasing failed, using fallback")
		return fallback
	}
	if strings.TrimSpace(p.Summary) == "" {
		p.Summary = fallback.Summary
	}
	if len(p.Strengths) == 0 {
		p.Strengths = fallback.Strengths
	}
	if len(p.AreasForImprovement) == 0 {
		p.AreasForImprovement = fallback.AreasForImprovement
	}
	return p
}

// HasSubstantive is the anti-hallucination gate: at least one real answer.
func HasSubstantive(transcript []interview.TranscriptEntry) bool {
	for _, e := range transcript {
		if e.Substantive() {
			return true
		}
	}
	return false
}

// ComputeRatings maps per-entry scores onto the report ratings. Every entry
// counts, silent ones with their zero scores.
func ComputeRatings(transcript []interview.TranscriptEntry) interview.Ratings {
	if len(transcript) == 0 {
		return interview.Ratings{}
	}
	var clarity, technical, overall int
	for _, e := range transcript {
		sc := e.Scores.Clamp()
		clarity += sc.Clarity
		technical += sc.TechnicalAccuracy
		overall += sc.Overall
	}
	n := float64(len(transcript))
	return interview.Ratings{
		Communication: roundMean(clarity, n),
		Technical:     roundMean(technical, n),
		CultureFit:    roundMean(overall, n),
	}
}

// roundMean rounds half away from zero and clamps to [0,10].
func roundMean(sum int, n float64) int {
	v := int(math.Round(float64(sum) / n))
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

// FallbackPhrasing derives the prose deterministically from the scores.
func FallbackPhrasing(md interview.Metadata, transcript []interview.TranscriptEntry, ratings interview.Ratings) engine.Phrasing {
	answered, silent := 0, 0
	for _, e := range transcript {
		if e.Substantive() {
			answered++
		} else if e.Silent {
			silent++
		}
	}
	summary := fmt.Sprintf("%s answered %d of %d questions for the %s position. Communication %d/10, technical %d/10, culture fit %d/10.",
		md.CandidateName, answered, len(transcript), md.Role, ratings.Communication, ratings.Technical, ratings.CultureFit)

	var strengths, improvements []string
	if ratings.Communication >= 7 {
		strengths = append(strengths, "Clear communication")
	}
	if ratings.Technical >= 7 {
		strengths = append(strengths, "Solid technical answers")
	}
	if ratings.CultureFit >= 7 {
		strengths = append(strengths, "Strong overall impression")
	}
	if ratings.Communication < 5 {
		improvements = append(improvements, "Structure answers more clearly")
	}
	if ratings.Technical < 5 {
		improvements = append(improvements, "Go deeper on technical details")
	}
	if silent > 0 {
		improvements = append(improvements, fmt.Sprintf("Left %d questions unanswered", silent))
	}
	if len(strengths) == 0 {
		strengths = []string{"Engaged with the interview"}
	}
	if len(improvements) == 0 {
		improvements = []string{"Add more concrete examples"}
	}
	return engine.Phrasing{Summary: summary, Strengths: strengths, AreasForImprovement: improvements}
}
