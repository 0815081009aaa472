package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"gridtrader/pkg/apperrors"
)

// envelope is the uniform response body for every endpoint
type envelope struct {
	Success     bool                   `json:"success"`
	Data        interface{}            `json:"data,omitempty"`
	ErrorCode   string                 `json:"error_code,omitempty"`
	Message     string                 `json:"message,omitempty"`
	UserMessage string                 `json:"user_message,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// writeError maps the error taxonomy onto HTTP statuses and renders the
// failure envelope
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	userMsg := ""

	var c *apperrors.Classified
	if errors.As(err, &c) {
		code = c.Code
		userMsg = c.UserMessage
		status = statusFor(c)
	}

	writeJSON(w, status, envelope{
		Success:     false,
		ErrorCode:   code,
		Message:     err.Error(),
		UserMessage: userMsg,
	})
}

// writeClientError renders a 400 for request-shape problems caught before
// any component runs
func writeClientError(w http.ResponseWriter, code, message string) {
	writeJSON(w, http.StatusBadRequest, envelope{
		Success:     false,
		ErrorCode:   code,
		Message:     message,
		UserMessage: message,
	})
}

func statusFor(c *apperrors.Classified) int {
	switch c.Category {
	case apperrors.CategoryClient:
		return http.StatusBadRequest
	case apperrors.CategoryAuth:
		return http.StatusUnauthorized
	case apperrors.CategorySession:
		switch {
		case errors.Is(c.Err, apperrors.ErrSessionNotFound):
			return http.StatusNotFound
		case errors.Is(c.Err, apperrors.ErrCreationRateLimited):
			return http.StatusTooManyRequests
		default:
			return http.StatusConflict
		}
	case apperrors.CategoryUpstream:
		switch c.Kind {
		case apperrors.KindRateLimited:
			return http.StatusTooManyRequests
		case apperrors.KindConnection:
			return http.StatusServiceUnavailable
		default:
			return http.StatusBadGateway
		}
	default:
		return http.StatusInternalServerError
	}
}
