package server

import (
	"encoding/json"
	"net/http"
)

// APIError is the JSON error body every endpoint renders.
type APIError struct {
	Status    int    `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

func badRequest(msg string) *APIError {
	return &APIError{Status: http.StatusBadRequest, ErrorCode: "bad_request", Message: msg}
}

func notFound(msg string) *APIError {
	return &APIError{Status: http.StatusNotFound, ErrorCode: "not_found", Message: msg}
}

func rateLimited(msg string) *APIError {
	return &APIError{Status: http.StatusTooManyRequests, ErrorCode: "rate_limited", Message: msg}
}

func internal(msg string) *APIError {
	return &APIError{Status: http.StatusInternalServerError, ErrorCode: "internal", Message: msg}
}

func writeError(w http.ResponseWriter, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(apiErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
