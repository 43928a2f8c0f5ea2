package engine

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

// DefaultResumeTokens keeps the resume at roughly the 3500 characters the
// interviewer was historically given.
const DefaultResumeTokens = 900

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// CountTokens returns the cl100k token count of s.
func CountTokens(s string) (int, error) {
	c, err := getCodec()
	if err != nil {
		return 0, errors.Wrap(err, "error loading tokenizer")
	}
	ids, _, err := c.Encode(s)
	if err != nil {
		return 0, errors.Wrap(err, "error encoding")
	}
	return len(ids), nil
}

// TruncateTokens cuts s down to at most maxTokens tokens. When the tokenizer
// is unavailable it falls back to a character cut of four characters per
// token.
func TruncateTokens(s string, maxTokens int) string {
	if maxTokens <= 0 || s == "" {
		return s
	}
	c, err := getCodec()
	if err != nil {
		return truncateRunes(s, maxTokens*4)
	}
	ids, _, err := c.Encode(s)
	if err != nil {
		return truncateRunes(s, maxTokens*4)
	}
	if len(ids) <= maxTokens {
		return s
	}
	out, err := c.Decode(ids[:maxTokens])
	if err != nil {
		return truncateRunes(s, maxTokens*4)
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
