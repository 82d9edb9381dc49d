// Package cortexlab provides a Go client for the CortexLab run orchestration API.
package cortexlab

import (
	"errors"
	"fmt"
)

// Error represents an error from the CortexLab API with the HTTP status code
// and the server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cortexlab: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, 404) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, 401) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return statusIs(err, 403) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, 429) }

// IsConflict returns true if the error is a 409. This covers both a second
// active run in a project and a checkpoint that was already resolved.
func IsConflict(err error) bool { return statusIs(err, 409) }

// IsCheckpointResolved returns true if a checkpoint resolution lost the race
// to an earlier one.
func IsCheckpointResolved(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "CHECKPOINT_RESOLVED"
}
