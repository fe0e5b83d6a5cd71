package models

import (
	"context"

	"github.com/google/uuid"
)

// Phase is one stage of the booking workflow. Phases run in the order
// returned by Phases; each must complete before the next starts.
type Phase string

const (
	PhaseAuthenticate Phase = "authenticate"
	PhaseConfigure    Phase = "configure"
	PhaseSearch       Phase = "search"
	PhaseBook         Phase = "book"
)

// Phases returns the workflow stages in execution order.
func Phases() []Phase {
	return []Phase{PhaseAuthenticate, PhaseConfigure, PhaseSearch, PhaseBook}
}

// ErrorCategory classifies an automation failure for the job record and
// outbound notifications.
type ErrorCategory string

const (
	CategoryBrowser    ErrorCategory = "browser"
	CategoryAuth       ErrorCategory = "auth"
	CategoryBooking    ErrorCategory = "booking"
	CategoryUnexpected ErrorCategory = "unexpected"
)

// Callbacks let the automation runner report progress without knowing
// anything about persistence or delivery. Either field may be nil.
type Callbacks struct {
	OnProgress func(status JobStatus, message string)
	OnQRFrame  func(image []byte, authRef string)
}

// Progress invokes OnProgress if set.
func (c Callbacks) Progress(status JobStatus, message string) {
	if c.OnProgress != nil {
		c.OnProgress(status, message)
	}
}

// QRFrame invokes OnQRFrame if set.
func (c Callbacks) QRFrame(image []byte, authRef string) {
	if c.OnQRFrame != nil {
		c.OnQRFrame(image, authRef)
	}
}

// JobContext is everything a runner needs to execute one phase of a job.
type JobContext struct {
	JobID     uuid.UUID
	UserID    string
	Config    BookingConfig
	Callbacks Callbacks
}

// PhaseResult is the explicit outcome of a phase. On failure, Retryable
// reports whether re-running the whole job could succeed and Category
// classifies the fault. Result is set only by a successful book phase.
type PhaseResult struct {
	Success   bool
	Err       error
	Retryable bool
	Category  ErrorCategory
	Result    *BookingResult
}

// PhaseOK is the result of a phase that completed normally.
func PhaseOK() PhaseResult {
	return PhaseResult{Success: true}
}

// PhaseFailed builds a failure result.
func PhaseFailed(category ErrorCategory, retryable bool, err error) PhaseResult {
	return PhaseResult{Err: err, Retryable: retryable, Category: category}
}

// AutomationRunner drives a browser session through the booking workflow.
// Implementations must honor ctx cancellation and return promptly.
type AutomationRunner interface {
	RunPhase(ctx context.Context, phase Phase, jc JobContext) PhaseResult
}
