// Package mock simulates the booking workflow without a real browser.
// It drives the same phase contract the production runner would, emitting
// QR frames and progress callbacks, so the orchestrator and API can be
// exercised end to end in development and tests.
package mock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/provbot/provbot/pkg/models"
)

const qrFrameCount = 2

// Runner satisfies models.AutomationRunner. When RunFunc is set it takes
// over completely; otherwise each phase follows a scripted happy path.
type Runner struct {
	StepDelay time.Duration
	RunFunc   func(ctx context.Context, phase models.Phase, jc models.JobContext) models.PhaseResult
}

var _ models.AutomationRunner = (*Runner)(nil)

// NewRunner returns a Runner that walks the happy path, pausing stepDelay
// between simulated steps. A zero delay keeps tests fast.
func NewRunner(stepDelay time.Duration) *Runner {
	return &Runner{StepDelay: stepDelay}
}

// NewFailingRunner returns a Runner that fails the given phase with the
// supplied result and runs every other phase normally.
func NewFailingRunner(failAt models.Phase, res models.PhaseResult) *Runner {
	base := &Runner{}
	return &Runner{
		RunFunc: func(ctx context.Context, phase models.Phase, jc models.JobContext) models.PhaseResult {
			if phase == failAt {
				return res
			}
			return base.RunPhase(ctx, phase, jc)
		},
	}
}

// NewBlockingRunner returns a Runner whose first phase blocks until the
// context is cancelled. Used to test cancellation and timeout paths.
func NewBlockingRunner() *Runner {
	return &Runner{
		RunFunc: func(ctx context.Context, _ models.Phase, _ models.JobContext) models.PhaseResult {
			<-ctx.Done()
			return models.PhaseFailed(models.CategoryBrowser, false, ctx.Err())
		},
	}
}

func (r *Runner) RunPhase(ctx context.Context, phase models.Phase, jc models.JobContext) models.PhaseResult {
	if r.RunFunc != nil {
		return r.RunFunc(ctx, phase, jc)
	}

	switch phase {
	case models.PhaseAuthenticate:
		return r.authenticate(ctx, jc)
	case models.PhaseConfigure:
		return r.configure(ctx, jc)
	case models.PhaseSearch:
		return r.search(ctx, jc)
	case models.PhaseBook:
		return r.book(ctx, jc)
	default:
		return models.PhaseFailed(models.CategoryUnexpected, false,
			fmt.Errorf("unknown phase %q", phase))
	}
}

// authenticate simulates the QR handshake: the user is asked to scan a
// code, fresh frames are emitted while waiting, then the scan succeeds.
func (r *Runner) authenticate(ctx context.Context, jc models.JobContext) models.PhaseResult {
	authRef := "mock-auth-" + uuid.NewString()

	jc.Callbacks.Progress(models.StatusQRWaiting, "Scan the QR code to sign in")
	for i := 1; i <= qrFrameCount; i++ {
		if err := r.step(ctx); err != nil {
			return cancelled(err)
		}
		frame := fmt.Sprintf("mock-qr-frame-%d-%s", i, jc.JobID)
		jc.Callbacks.QRFrame([]byte(frame), authRef)
	}

	if err := r.step(ctx); err != nil {
		return cancelled(err)
	}
	jc.Callbacks.Progress(models.StatusAuthenticating, "QR code scanned, signing in")
	return models.PhaseOK()
}

func (r *Runner) configure(ctx context.Context, jc models.JobContext) models.PhaseResult {
	if err := r.step(ctx); err != nil {
		return cancelled(err)
	}
	jc.Callbacks.Progress(models.StatusConfiguring,
		fmt.Sprintf("Selecting %s / %s", jc.Config.LicenseType, jc.Config.ExamType))
	return models.PhaseOK()
}

func (r *Runner) search(ctx context.Context, jc models.JobContext) models.PhaseResult {
	for _, loc := range jc.Config.Locations {
		if err := r.step(ctx); err != nil {
			return cancelled(err)
		}
		jc.Callbacks.Progress(models.StatusSearching, "Checking slots in "+loc)
	}
	return models.PhaseOK()
}

func (r *Runner) book(ctx context.Context, jc models.JobContext) models.PhaseResult {
	if err := r.step(ctx); err != nil {
		return cancelled(err)
	}

	location := "Stockholm"
	if len(jc.Config.Locations) > 0 {
		location = jc.Config.Locations[0]
	}
	testDate := jc.Config.DateFrom
	if testDate == "" {
		testDate = time.Now().UTC().AddDate(0, 0, 14).Format("2006-01-02")
	}

	res := models.PhaseOK()
	res.Result = &models.BookingResult{
		BookingID:        "mock-" + uuid.NewString()[:8],
		Location:         location,
		TestDate:         testDate,
		TestTime:         "10:15",
		ConfirmationCode: "MOCK-" + uuid.NewString()[:6],
	}
	return res
}

// step pauses between simulated browser actions, bailing out early on
// cancellation.
func (r *Runner) step(ctx context.Context) error {
	if r.StepDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.StepDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func cancelled(err error) models.PhaseResult {
	return models.PhaseFailed(models.CategoryUnexpected, false, err)
}
