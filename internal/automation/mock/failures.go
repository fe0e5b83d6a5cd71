package mock

import (
	"errors"

	"github.com/provbot/provbot/pkg/models"
)

// Failure modes of the simulated browser. The canned runners below
// reproduce them so failure handling can be exercised end to end.
var (
	ErrBrowserCrashed  = errors.New("browser session crashed")
	ErrAuthTimeout     = errors.New("authentication timed out")
	ErrSlotUnavailable = errors.New("no bookable slot available")
)

// NewCrashingRunner fails the given phase as a crashed browser session.
// Retryable: a fresh session may get further.
func NewCrashingRunner(phase models.Phase) *Runner {
	return NewFailingRunner(phase,
		models.PhaseFailed(models.CategoryBrowser, true, ErrBrowserCrashed))
}

// NewAuthTimeoutRunner fails the authenticate phase as a QR code that was
// never scanned. Not retryable without a new user action.
func NewAuthTimeoutRunner() *Runner {
	return NewFailingRunner(models.PhaseAuthenticate,
		models.PhaseFailed(models.CategoryAuth, false, ErrAuthTimeout))
}

// NewNoSlotsRunner fails the search phase with no slot available.
// Retryable: slots come and go as other users cancel.
func NewNoSlotsRunner() *Runner {
	return NewFailingRunner(models.PhaseSearch,
		models.PhaseFailed(models.CategoryBooking, true, ErrSlotUnavailable))
}
