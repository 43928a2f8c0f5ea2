package engine

import (
	"bytes"
	"context"
	"io"
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/grillo/pkg/interview"
)

// GroqBaseURL is the OpenAI-compatible endpoint of Groq.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// OpenAIConfig configures the OpenAI-compatible adapter.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	ChatModel    string
	ScoringModel string
	STTModel     string
	TTSModel     string
	Voice        string
	Temperature  float32
	ResumeTokens int
}

// OpenAIEngine talks to any OpenAI-compatible API (OpenAI, Groq). It
// implements Reasoner, Transcriber and Speaker.
type OpenAIEngine struct {
	client *openai.Client
	cfg    OpenAIConfig
}

var (
	_ Reasoner    = &OpenAIEngine{}
	_ Transcriber = &OpenAIEngine{}
	_ Speaker     = &OpenAIEngine{}
)

func NewOpenAIEngine(cfg OpenAIConfig) (*OpenAIEngine, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai engine: no api key")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4oMini
	}
	if cfg.ScoringModel == "" {
		cfg.ScoringModel = cfg.ChatModel
	}
	if cfg.STTModel == "" {
		cfg.STTModel = openai.Whisper1
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.6
	}
	return &OpenAIEngine{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

func (e *OpenAIEngine) Reply(ctx context.Context, req ReplyRequest) (Reply, error) {
	msgs := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: SystemPrompt(req.Metadata, req.Remaining, PromptOptions{ResumeTokens: e.cfg.ResumeTokens}),
	}}
	for _, t := range ConversationTurns(req.Opening, req.Transcript) {
		role := openai.ChatMessageRoleUser
		if t.Interviewer {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Text})
	}

	content, err := e.complete(ctx, openai.ChatCompletionRequest{
		Model:       e.cfg.ChatModel,
		Messages:    msgs,
		Temperature: e.cfg.Temperature,
	})
	if err != nil {
		return Reply{}, err
	}
	utterance := cleanUtterance(content)
	if utterance == "" {
		return Reply{}, interview.TransportError(errors.New("empty completion"), "openai engine: reply")
	}
	return Reply{Utterance: utterance}, nil
}

// Score uses temperature 0 so the same answer scores the same way.
func (e *OpenAIEngine) Score(ctx context.Context, question, answer string) (Evaluation, error) {
	content, err := e.complete(ctx, openai.ChatCompletionRequest{
		Model: e.cfg.ScoringModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: ScorePrompt(question, answer)},
		},
		Temperature:    math.SmallestNonzeroFloat32,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return Evaluation{}, err
	}
	var resp scoreResponse
	if err := decodeJSONObject(content, &resp); err != nil {
		return Evaluation{}, interview.TransportError(err, "openai engine: score")
	}
	return Evaluation{
		Scores: interview.Scores{
			Relevance:         roundScore(resp.Relevance),
			Clarity:           roundScore(resp.Clarity),
			TechnicalAccuracy: roundScore(resp.TechnicalAccuracy),
			Overall:           roundScore(resp.Overall),
		}.Clamp(),
		Feedback: strings.TrimSpace(resp.Feedback),
	}, nil
}

func (e *OpenAIEngine) Phrase(ctx context.Context, req PhraseRequest) (Phrasing, error) {
	content, err := e.complete(ctx, openai.ChatCompletionRequest{
		Model: e.cfg.ScoringModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: PhrasePrompt(req)},
		},
		Temperature:    math.SmallestNonzeroFloat32,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return Phrasing{}, err
	}
	var p Phrasing
	if err := decodeJSONObject(content, &p); err != nil {
		return Phrasing{}, interview.TransportError(err, "openai engine: phrase")
	}
	if strings.TrimSpace(p.Summary) == "" {
		return Phrasing{}, interview.TransportError(errors.New("empty summary"), "openai engine: phrase")
	}
	return p, nil
}

func (e *OpenAIEngine) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("model", req.Model).Msg("chat completion failed")
		return "", interview.TransportError(err, "openai engine: chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", interview.TransportError(errors.New("no choices"), "openai engine: chat completion")
	}
	return resp.Choices[0].Message.Content, nil
}

func (e *OpenAIEngine) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if filename == "" {
		filename = "answer.webm"
	}
	resp, err := e.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    e.cfg.STTModel,
		Reader:   bytes.NewReader(audio),
		FilePath: filename,
		Language: "en",
	})
	if err != nil {
		return "", interview.TransportError(err, "openai engine: transcription")
	}
	return strings.TrimSpace(resp.Text), nil
}

func (e *OpenAIEngine) Speak(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	resp, err := e.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(e.cfg.TTSModel),
		Input:          text,
		Voice:          openai.SpeechVoice(e.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, interview.TransportError(err, "openai engine: speech")
	}
	defer func() { _ = resp.Close() }()
	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, interview.TransportError(err, "openai engine: read speech")
	}
	return data, nil
}

func roundScore(v float64) int {
	return int(math.Round(v))
}
