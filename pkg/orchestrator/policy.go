package orchestrator

import "time"

// Fixed interviewer lines used by the guards.
const (
	AlreadyConcludedLine = "The interview has already concluded. Thank you."
	FarewellLine         = "Thank you for your time today. This concludes our interview. Goodbye!"
	OutOfTimeLine        = "We're out of time. Thank you so much for your responses today. This concludes the interview."
	SilenceClosingLine   = "It seems we have lost you. Thank you for your time. This concludes the interview."
	TurnCapClosingLine   = "That was my last question. Thank you for your time. This concludes the interview."
	NoResponseFeedback   = "No response"
	SkippedFeedback      = "Question skipped"
)

// closingPhrases finish the interview when the engine says them.
var closingPhrases = []string{
	"concludes the interview",
	"concludes our interview",
	"thank you for your time",
}

// Policy holds the backstop limits that apply no matter what the engine
// decides.
type Policy struct {
	// SilenceStreak consecutive silent answers end the interview.
	SilenceStreak int
	// ClosingFraction of the planned duration left triggers the closing.
	ClosingFraction float64
	// MaxTurns caps candidate answers. Zero derives the cap from the
	// planned duration.
	MaxTurns int
	// TurnsPerMinute and MinTurns derive the cap when MaxTurns is zero.
	TurnsPerMinute int
	MinTurns       int
}

func DefaultPolicy() Policy {
	return Policy{
		SilenceStreak:   2,
		ClosingFraction: 0.10,
		TurnsPerMinute:  2,
		MinTurns:        4,
	}
}

// TurnCap returns the maximum number of candidate answers for a planned
// duration in minutes.
func (p Policy) TurnCap(durationMinutes int) int {
	if p.MaxTurns > 0 {
		return p.MaxTurns
	}
	perMinute := p.TurnsPerMinute
	if perMinute <= 0 {
		perMinute = 2
	}
	n := durationMinutes * perMinute
	if n < p.MinTurns {
		n = p.MinTurns
	}
	return n
}

// closingThreshold is the remaining time under which the interview closes.
func (p Policy) closingThreshold(durationMinutes int) time.Duration {
	planned := time.Duration(durationMinutes) * time.Minute
	return time.Duration(float64(planned) * p.ClosingFraction)
}
