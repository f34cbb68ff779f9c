package domain

import "errors"

// Sentinel errors shared across the coordinator. Callers wrap them with
// fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	ErrCapacityExceeded    = errors.New("maximum concurrent sessions reached")
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid session state")
	ErrBusy                = errors.New("session is busy processing a message")
	ErrDirectoryNotAllowed = errors.New("directory not allowed")
	ErrAlreadyRunning      = errors.New("agent turn already running")
	ErrAgentRuntime        = errors.New("agent runtime error")
	ErrTimeout             = errors.New("permission request timed out")
	ErrAborted             = errors.New("turn aborted")
)

// ErrorCode returns a stable machine readable code for err, used in API and
// gateway error payloads.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrDirectoryNotAllowed):
		return "directory_not_allowed"
	case errors.Is(err, ErrAlreadyRunning):
		return "already_running"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrAborted):
		return "aborted"
	case errors.Is(err, ErrAgentRuntime):
		return "agent_runtime_error"
	default:
		return "internal_error"
	}
}
