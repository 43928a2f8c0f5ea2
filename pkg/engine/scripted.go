package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/go-go-golems/grillo/pkg/interview"
)

// ClosingLine is the scripted engine's last utterance.
const ClosingLine = "Thank you for your time. This concludes the interview."

var defaultQuestions = []string{
	"Can you walk me through a recent project from your resume and your role in it?",
	"What was the hardest technical problem you solved there, and how did you approach it?",
	"How would you design a service for the %s role that has to handle a sudden tenfold traffic spike?",
	"How do you test and debug code that you did not write yourself?",
	"Tell me about a time you disagreed with a teammate and how you resolved it.",
}

// Scripted is a deterministic Reasoner that walks a fixed question list. It
// needs no network and backs the offline mode and the tests.
type Scripted struct {
	Questions []string

	mu     sync.Mutex
	calls  int
	scored int
}

var _ Reasoner = &Scripted{}

func NewScripted(questions ...string) *Scripted {
	if len(questions) == 0 {
		questions = defaultQuestions
	}
	return &Scripted{Questions: questions}
}

func (s *Scripted) Reply(_ context.Context, req ReplyRequest) (Reply, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	n := len(req.Transcript)
	if n > 0 {
		last := req.Transcript[n-1]
		if last.Silent || interview.IsBlankAnswer(last.Answer) {
			return Reply{Utterance: "Are you still there? " + last.Question}, nil
		}
	}
	answered := 0
	for _, e := range req.Transcript {
		if !e.Silent && !interview.IsBlankAnswer(e.Answer) {
			answered++
		}
	}
	// The opening question is answered first, so the list starts after it.
	idx := answered - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.Questions) {
		return Reply{Utterance: ClosingLine, Finished: true}, nil
	}
	q := s.Questions[idx]
	if strings.Contains(q, "%s") {
		q = fmt.Sprintf(q, req.Metadata.Role)
	}
	return Reply{Utterance: q}, nil
}

// Score rates an answer from its length and overlap with the question.
func (s *Scripted) Score(_ context.Context, question, answer string) (Evaluation, error) {
	s.mu.Lock()
	s.scored++
	s.mu.Unlock()

	words := tokenize(answer)
	clarity := lengthScore(len(words))
	relevance := overlapScore(tokenize(question), words)
	technical := (clarity + relevance) / 2
	overall := (clarity + relevance + technical) / 3
	sc := interview.Scores{
		Relevance:         relevance,
		Clarity:           clarity,
		TechnicalAccuracy: technical,
		Overall:           overall,
	}.Clamp()
	return Evaluation{Scores: sc, Feedback: fmt.Sprintf("Answer of %d words.", len(words))}, nil
}

func (s *Scripted) Phrase(_ context.Context, req PhraseRequest) (Phrasing, error) {
	return Phrasing{
		Summary: fmt.Sprintf("%s interviewed for the %s position and answered %d questions.",
			req.Metadata.CandidateName, req.Metadata.Role, countSubstantive(req.Transcript)),
		Strengths:           []string{"Completed the interview"},
		AreasForImprovement: []string{"Give more concrete examples"},
	}, nil
}

// Calls returns how many Reply calls were made.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// ScoreCalls returns how many Score calls were made.
func (s *Scripted) ScoreCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scored
}

func countSubstantive(transcript []interview.TranscriptEntry) int {
	n := 0
	for _, e := range transcript {
		if e.Substantive() {
			n++
		}
	}
	return n
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func lengthScore(n int) int {
	switch {
	case n == 0:
		return 0
	case n < 5:
		return 2
	case n < 20:
		return 5
	case n < 60:
		return 7
	default:
		return 8
	}
}

func overlapScore(question, answer []string) int {
	keys := map[string]struct{}{}
	for _, w := range question {
		if len(w) > 3 {
			keys[w] = struct{}{}
		}
	}
	if len(keys) == 0 || len(answer) == 0 {
		return lengthScore(len(answer))
	}
	hit := map[string]struct{}{}
	for _, w := range answer {
		if _, ok := keys[w]; ok {
			hit[w] = struct{}{}
		}
	}
	return 3 + (7*len(hit))/len(keys)
}
