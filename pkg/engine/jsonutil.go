package engine

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// decodeJSONObject parses the first JSON object in a model response. Models
// like to wrap JSON in markdown fences or add a sentence around it.
func decodeJSONObject(content string, v any) error {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return errors.Errorf("no JSON object in response %q", truncateRunes(content, 80))
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return errors.Wrap(err, "could not decode JSON response")
	}
	return nil
}

// scoreResponse tolerates models returning numbers as floats.
type scoreResponse struct {
	Relevance         float64 `json:"relevance_score"`
	Clarity           float64 `json:"clarity_score"`
	TechnicalAccuracy float64 `json:"technical_accuracy_score"`
	Overall           float64 `json:"overall_score"`
	Feedback          string  `json:"feedback"`
}

// cleanUtterance drops meta-commentary lines such as "(Note: ...)" that the
// prompt forbids but models still emit now and then.
func cleanUtterance(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	kept := lines[:0]
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if strings.HasPrefix(t, "(Note") || strings.HasPrefix(t, "[Note") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
