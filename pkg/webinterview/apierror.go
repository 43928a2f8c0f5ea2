package webinterview

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/go-go-golems/grillo/pkg/interview"
)

// ErrorType is the machine readable class of an API error.
type ErrorType string

const (
	ErrorNotFound   ErrorType = "not_found"
	ErrorValidation ErrorType = "validation"
	ErrorConflict   ErrorType = "conflict"
	ErrorTransport  ErrorType = "transport"
	ErrorInternal   ErrorType = "internal"
)

// Conflict codes tell the two 409 causes apart.
const (
	CodeTurnInFlight = "turn_in_flight"
	CodeNotFinished  = "not_finished"
)

type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	Field   string    `json:"field,omitempty"`
}

type Envelope struct {
	Error *APIError `json:"error"`
}

// FromError maps the error taxonomy onto an API error and HTTP status.
func FromError(err error) (*APIError, int) {
	if err == nil {
		return nil, http.StatusOK
	}
	var ve *interview.ValidationError
	switch {
	case stderrors.As(err, &ve) && ve != nil:
		return &APIError{Type: ErrorValidation, Message: ve.Reason, Field: ve.Field}, http.StatusBadRequest
	case interview.IsValidation(err):
		return &APIError{Type: ErrorValidation, Message: err.Error()}, http.StatusBadRequest
	case interview.IsNotFound(err):
		return &APIError{Type: ErrorNotFound, Message: "session not found"}, http.StatusNotFound
	case interview.Is(err, interview.ErrTurnInFlight):
		return &APIError{Type: ErrorConflict, Code: CodeTurnInFlight, Message: "another submission for this session is in progress"}, http.StatusConflict
	case interview.Is(err, interview.ErrNotReportable):
		return &APIError{Type: ErrorConflict, Code: CodeNotFinished, Message: "the interview has not finished yet"}, http.StatusConflict
	case interview.IsTransport(err):
		return &APIError{Type: ErrorTransport, Message: "upstream engine failure, please retry"}, http.StatusBadGateway
	case stderrors.Is(err, context.DeadlineExceeded):
		return &APIError{Type: ErrorTransport, Message: "request timeout"}, http.StatusGatewayTimeout
	default:
		return &APIError{Type: ErrorInternal, Message: "internal error"}, http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	apiErr, status := FromError(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("request rejected")
	}
	writeJSON(w, logger, status, Envelope{Error: apiErr})
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("response write failed")
	}
}
