package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/grillo/pkg/interview"
)

const (
	voiceStyle = "You are speaking via voice. Use natural spoken fillers occasionally (like 'umm', 'ah') to sound human, but keep it professional."
	textStyle  = "You are chatting via text. Do NOT use spoken fillers like 'umm', 'ah', 'hmm'. Keep your responses concise, professional, and grammatically perfect."
)

// StyleInstruction returns the delivery instruction for a mode.
func StyleInstruction(mode interview.Mode) string {
	if mode == interview.ModeText {
		return textStyle
	}
	return voiceStyle
}

// PromptOptions tunes the interviewer system prompt.
type PromptOptions struct {
	ResumeTokens int
}

// SystemPrompt builds the interviewer instructions for a session.
func SystemPrompt(md interview.Metadata, remaining time.Duration, opts PromptOptions) string {
	budget := opts.ResumeTokens
	if budget <= 0 {
		budget = DefaultResumeTokens
	}
	resume := strings.TrimSpace(md.Resume)
	if resume == "" {
		resume = "No resume provided."
	}
	resume = TruncateTokens(resume, budget)

	var b strings.Builder
	fmt.Fprintf(&b, "You are an expert professional interviewer conducting a strict time-bound screening interview for a %s position.\n", md.Role)
	fmt.Fprintf(&b, "Candidate: %s\n", md.CandidateName)
	fmt.Fprintf(&b, "Total interview duration: %d minutes\n", md.DurationMinutes)
	fmt.Fprintf(&b, "Time remaining: %.1f minutes\n", remaining.Minutes())
	fmt.Fprintf(&b, "Resume: %s\n", resume)
	fmt.Fprintf(&b, "Mode: %s\n\n", strings.ToUpper(string(md.Mode)))
	b.WriteString(StyleInstruction(md.Mode))
	b.WriteString(`

THIS INTERVIEW IS STRICTLY TIME-LIMITED. You MUST pace questions to finish on time.

Time allocation (adjust based on total duration):
- 0-10% of time: Greeting + "Tell me about yourself"
- 10-35% of time: 2-3 experience/resume-based questions
- 35-75% of time: 3-4 deep technical questions specific to the role
- 75-90% of time: 1 behavioral/situational question
- Last 10%: Closing and thank you

RULES:
- Ask exactly ONE question at a time
- Never ask follow-ups unless the answer is completely off-topic or empty
- Keep every response under 3 sentences
- When less than 10% time remains, immediately move to closing
- Do NOT output internal notes, parentheses, or meta-commentary. Speak ONLY to the candidate.
- If the candidate is silent (indicated by [SILENCE]), prompt them gently or move to the next question.
- At the very end, always say: "Thank you for your time. This concludes the interview."
`)
	return b.String()
}

// ChatTurn is one message of the interviewer conversation.
type ChatTurn struct {
	Interviewer bool
	Text        string
}

// ConversationTurns flattens the opening and transcript into alternating
// interviewer and candidate messages. Silent answers are rendered as the
// silence marker so the engine can see them.
func ConversationTurns(opening string, transcript []interview.TranscriptEntry) []ChatTurn {
	out := make([]ChatTurn, 0, 2*len(transcript)+1)
	for i, e := range transcript {
		q := e.Question
		if i == 0 && q == "" {
			q = opening
		}
		if q != "" {
			out = append(out, ChatTurn{Interviewer: true, Text: q})
		}
		out = append(out, ChatTurn{Text: AnswerText(e)})
	}
	if len(transcript) == 0 && opening != "" {
		out = append(out, ChatTurn{Interviewer: true, Text: opening})
	}
	return out
}

// AnswerText is how an entry's answer is shown to the engine.
func AnswerText(e interview.TranscriptEntry) string {
	if e.Silent || interview.IsBlankAnswer(e.Answer) {
		return interview.SilenceMarker
	}
	return strings.TrimSpace(e.Answer)
}

const scorePrompt = `You are an expert hiring manager scoring one answer from a timed technical interview.
Score each dimension as an integer from 0 to 10. Do NOT invent content the candidate did not say.
Return ONLY a JSON object with the fields relevance_score, clarity_score, technical_accuracy_score, overall_score and feedback (one sentence).

Question: %s
Answer: %s`

// ScorePrompt renders the single-answer scoring instruction.
func ScorePrompt(question, answer string) string {
	return fmt.Sprintf(scorePrompt, strings.TrimSpace(question), strings.TrimSpace(answer))
}

const phrasePrompt = `You are an expert hiring manager writing feedback for a %s candidate named %s.
The ratings are final and already computed: communication %d/10, technical %d/10, culture fit %d/10.
Only use what the candidate actually said. Answers shown as [SILENCE] were not given.
Return ONLY a JSON object with the fields summary (string), strengths (list of strings) and areas_for_improvement (list of strings).

Transcript:
%s`

// PhrasePrompt renders the report phrasing instruction.
func PhrasePrompt(req PhraseRequest) string {
	return fmt.Sprintf(phrasePrompt,
		req.Metadata.Role, req.Metadata.CandidateName,
		req.Ratings.Communication, req.Ratings.Technical, req.Ratings.CultureFit,
		RenderTranscript(req.Transcript))
}

// RenderTranscript prints a transcript as Interviewer/Candidate lines.
func RenderTranscript(transcript []interview.TranscriptEntry) string {
	var b strings.Builder
	for _, e := range transcript {
		if e.Question != "" {
			fmt.Fprintf(&b, "Interviewer: %s\n", e.Question)
		}
		fmt.Fprintf(&b, "Candidate: %s\n", AnswerText(e))
	}
	return b.String()
}
