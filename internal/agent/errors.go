package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Status is the outcome taxonomy shared by the loop and both collaborator contracts.
type Status string

const (
	StatusSuccess       Status = "Success"
	StatusInvalidInput  Status = "InvalidInput"
	StatusNotAuthorized Status = "NotAuthorized"
	StatusTimeout       Status = "Timeout"
	StatusNotFound      Status = "NotFound"
	StatusServerError   Status = "ServerError"
	StatusError         Status = "Error"
)

// Valid reports whether s is a defined status code.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusInvalidInput, StatusNotAuthorized, StatusTimeout,
		StatusNotFound, StatusServerError, StatusError:
		return true
	default:
		return false
	}
}

// ParseStatus accepts both the canonical spelling ("NotFound") and the
// snake_case form ("not_found"). Unknown values map to StatusError.
func ParseStatus(s string) Status {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	switch key {
	case "success", "ok":
		return StatusSuccess
	case "invalidinput":
		return StatusInvalidInput
	case "notauthorized", "unauthorized":
		return StatusNotAuthorized
	case "timeout":
		return StatusTimeout
	case "notfound":
		return StatusNotFound
	case "servererror":
		return StatusServerError
	default:
		return StatusError
	}
}

var (
	// ErrSessionNotFound is returned by the manager for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionRunning is returned when an operation requires the loop to be idle.
	ErrSessionRunning = errors.New("session is running")
	// ErrSessionClosed is returned for any operation on a closed session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrNotAwaitingApproval is returned by Approve/Reject outside the approval state.
	ErrNotAwaitingApproval = errors.New("session is not awaiting approval")
)

// Error carries a taxonomy status across an error return.
type Error struct {
	Status  Status
	Message string
	Err     error
}

// NewStatusError wraps err with a status and message.
func NewStatusError(status Status, message string, err error) *Error {
	return &Error{Status: status, Message: message, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Status, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Status, e.Err)
	default:
		return string(e.Status)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// StatusOf maps an arbitrary error onto the taxonomy.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var se *Error
	if errors.As(err, &se) && se.Status.Valid() {
		return se.Status
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusTimeout
	}
	return StatusError
}
