package orchestrator

import "errors"

var (
	// ErrAtCapacity is returned by Submit when the concurrency cap is
	// reached. Maps to HTTP 503 at the API layer.
	ErrAtCapacity = errors.New("server at capacity")

	// ErrInvalidConfig wraps the validation failure of a submitted
	// booking config. Maps to HTTP 400.
	ErrInvalidConfig = errors.New("invalid booking config")

	// ErrAlreadyTerminal is returned by Cancel when the job has already
	// completed, failed or been cancelled. Maps to HTTP 409.
	ErrAlreadyTerminal = errors.New("job already in a terminal status")
)
