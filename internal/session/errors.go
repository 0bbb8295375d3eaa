package session

import "errors"

// Sentinel errors returned by the Registry. Callers match them with
// errors.Is; validation failures additionally wrap *prereq.ValidationError.
var (
	// ErrNoAvailablePorts means every port in the range is occupied.
	ErrNoAvailablePorts = errors.New("no available ports")

	// ErrValidationFailed means a pre-flight check rejected the target.
	ErrValidationFailed = errors.New("validation failed")

	// ErrSpawnFailed means the operating system refused to start the relay.
	ErrSpawnFailed = errors.New("relay spawn failed")

	// ErrNotFound means the session id is unknown or already cleaned up.
	ErrNotFound = errors.New("session not found")

	// ErrAccessDenied means the caller does not own the session.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidRequest means required start parameters are missing or out
	// of range.
	ErrInvalidRequest = errors.New("invalid session request")

	// ErrSessionIDInUse means a caller-supplied session id belongs to
	// another user's active session.
	ErrSessionIDInUse = errors.New("session id already in use")
)
