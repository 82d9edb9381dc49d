package model

import "time"

// APIResponse wraps all successful API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError wraps all error responses.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta carries request-scoped metadata on every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail is the machine-readable part of an error response.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error codes used in API error responses.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeCheckpointResolved = "CHECKPOINT_RESOLVED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeUnavailable        = "UNAVAILABLE"
)

// ListResponse is the data payload for paged list endpoints.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

// EventsResponse is the data payload for GET /v1/runs/{run_id}/events.
type EventsResponse struct {
	Events  []RunEvent `json:"events"`
	LastSeq int64      `json:"last_seq"`
	Closed  bool       `json:"closed"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Storage    string `json:"storage"`
	Backend    string `json:"backend"`
	ActiveRuns int    `json:"active_runs"`
	SSEBroker  string `json:"sse_broker,omitempty"`
	Uptime     int64  `json:"uptime_seconds"`
}
