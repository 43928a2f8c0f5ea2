package interview

import (
	"fmt"
	"strings"
)

// minResumeChars mirrors the original service: anything shorter is treated as
// an unreadable upload.
const minResumeChars = 10

// StartRequest is the raw start-session input before validation.
type StartRequest struct {
	Name     string
	Role     string
	Duration int
	Mode     string
	Resume   string
}

// ValidateDuration rejects planned durations outside [3,45] minutes.
func ValidateDuration(minutes int) error {
	if minutes < MinDurationMinutes || minutes > MaxDurationMinutes {
		return &ValidationError{
			Field:  "duration",
			Reason: fmt.Sprintf("duration must be between %d and %d minutes", MinDurationMinutes, MaxDurationMinutes),
		}
	}
	return nil
}

// Validate checks a start request and returns normalized metadata.
func (r StartRequest) Validate() (Metadata, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return Metadata{}, &ValidationError{Field: "name", Reason: "candidate name is required"}
	}
	role := strings.TrimSpace(r.Role)
	if role == "" {
		return Metadata{}, &ValidationError{Field: "role", Reason: "role is required"}
	}
	if err := ValidateDuration(r.Duration); err != nil {
		return Metadata{}, err
	}
	mode, ok := ParseMode(r.Mode)
	if !ok {
		return Metadata{}, &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", r.Mode)}
	}
	resume := strings.TrimSpace(r.Resume)
	if len(resume) < minResumeChars {
		return Metadata{}, &ValidationError{
			Field:  "resume",
			Reason: "could not read any text from the resume; upload a text based document",
		}
	}
	if !nameInResume(name, resume) {
		return Metadata{}, &ValidationError{
			Field:  "name",
			Reason: fmt.Sprintf("the name %q does not match the resume content", name),
		}
	}
	return Metadata{
		CandidateName:   name,
		Role:            role,
		Mode:            mode,
		DurationMinutes: r.Duration,
		Resume:          resume,
	}, nil
}

// nameInResume requires every whitespace separated part of the name to occur
// somewhere in the resume, ignoring case.
func nameInResume(name, resume string) bool {
	lower := strings.ToLower(resume)
	for _, part := range strings.Fields(strings.ToLower(name)) {
		if !strings.Contains(lower, part) {
			return false
		}
	}
	return true
}
