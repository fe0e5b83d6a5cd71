package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/provbot/provbot/pkg/models"
)

// execute is the per-job goroutine. Cleanup (capacity slot, session,
// dispatcher state) runs on every exit path, including panics.
func (o *Orchestrator) execute(ctx context.Context, cancel context.CancelFunc, job *models.Job) {
	defer o.wg.Done()
	defer o.sem.Release(1)
	defer func() {
		o.mu.Lock()
		delete(o.cancels, job.ID)
		o.mu.Unlock()
		cancel()
		o.registry.Unregister(context.Background(), job.ID)
		o.dispatcher.CloseJob(job.ID)
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job executor panicked", "job_id", job.ID, "panic", r)
			o.failJob(context.Background(), job.ID, models.CategoryUnexpected,
				fmt.Errorf("internal error: %v", r), 0)
		}
	}()

	o.run(ctx, job)
}

func (o *Orchestrator) run(ctx context.Context, job *models.Job) {
	snap, ok := o.applyTransition(ctx, job.ID, models.StatusRunning, "Booking workflow started")
	if !ok {
		// The job was finalized (cancelled or reclaimed) before the
		// executor got going. Nothing to do.
		return
	}

	sess := models.NewSession(job.ID, job.UserID, job.Config.BrowserKind)
	if err := o.registry.Register(ctx, sess); err != nil {
		slog.Warn("session registration failed", "job_id", job.ID, "error", err)
	}
	o.publishStatus(ctx, snap)

	jc := models.JobContext{
		JobID:     job.ID,
		UserID:    job.UserID,
		Config:    job.Config,
		Callbacks: o.callbacks(job),
	}

	phases := models.Phases()
	retries := 0
	var result *models.BookingResult

	for i := 0; i < len(phases); {
		if done := o.checkCancelled(ctx, job.ID, retries); done {
			return
		}

		phase := phases[i]
		o.enterPhase(ctx, job, phase)

		res := o.runner.RunPhase(ctx, phase, jc)
		if res.Success {
			if res.Result != nil {
				result = res.Result
			}
			i++
			continue
		}

		if done := o.checkCancelled(ctx, job.ID, retries); done {
			return
		}

		if !res.Retryable || retries >= o.maxRetries {
			o.failJob(ctx, job.ID, res.Category, res.Err, retries)
			return
		}

		retries++
		delay := o.retryBaseDelay * time.Duration(1<<(retries-1))
		slog.Warn("phase failed, retrying",
			"job_id", job.ID,
			"phase", phase,
			"retry", retries,
			"delay", delay,
			"error", res.Err,
		)
		if !sleepCtx(ctx, delay) {
			o.checkCancelled(ctx, job.ID, retries)
			return
		}
	}

	o.completeJob(ctx, job.ID, result)
}

// enterPhase advances the status for phases the runner does not announce
// itself. The authenticate phase drives qr_waiting/authenticating through
// its own callbacks.
func (o *Orchestrator) enterPhase(ctx context.Context, job *models.Job, phase models.Phase) {
	var next models.JobStatus
	var message string
	switch phase {
	case models.PhaseConfigure:
		next, message = models.StatusConfiguring, "Selecting exam options"
	case models.PhaseSearch:
		next, message = models.StatusSearching, "Searching for available slots"
	case models.PhaseBook:
		next, message = models.StatusBooking, "Reserving a slot"
	default:
		return
	}
	if snap, ok := o.applyTransition(ctx, job.ID, next, message); ok {
		o.publishStatus(ctx, snap)
	}
}

// callbacks bridges runner progress into state updates and notifications.
// They use a background context so late reports after cancellation still
// fail safely through the state machine instead of erroring out.
func (o *Orchestrator) callbacks(job *models.Job) models.Callbacks {
	return models.Callbacks{
		OnProgress: func(status models.JobStatus, message string) {
			ctx := context.Background()
			if snap, ok := o.applyTransition(ctx, job.ID, status, message); ok {
				o.publishStatus(ctx, snap)
			}
		},
		OnQRFrame: func(image []byte, authRef string) {
			ctx := context.Background()
			// A frame reported after the job was finalized must not
			// overwrite the final notification.
			current, err := o.store.GetJob(ctx, job.ID)
			if err != nil || current.Status.IsTerminal() {
				slog.Debug("dropping qr frame for finished job", "job_id", job.ID)
				return
			}
			p, err := models.NewNotification(job.ID, models.NotifyQRUpdate, models.QRContent{
				Image:     base64.StdEncoding.EncodeToString(image),
				AuthRef:   authRef,
				ExpiresIn: int(o.notifyTTL.Seconds()),
			})
			if err != nil {
				slog.Error("building qr notification", "job_id", job.ID, "error", err)
				return
			}
			if err := o.dispatcher.Publish(ctx, current, p); err != nil {
				slog.Warn("publishing qr notification", "job_id", job.ID, "error", err)
			}
		},
	}
}

// checkCancelled handles an expired or cancelled job context. A timeout
// fails the job; a cancellation was already finalized by Cancel.
func (o *Orchestrator) checkCancelled(ctx context.Context, jobID uuid.UUID, retries int) bool {
	err := ctx.Err()
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		o.failJob(context.Background(), jobID, models.CategoryUnexpected,
			errors.New("job timed out"), retries)
	}
	return true
}

func (o *Orchestrator) failJob(ctx context.Context, jobID uuid.UUID, category models.ErrorCategory, cause error, retries int) {
	if category == "" {
		category = models.CategoryUnexpected
	}
	msg := "Booking failed"
	if cause != nil {
		msg = "Booking failed: " + cause.Error()
	}

	updated, err := o.store.UpdateJob(ctx, jobID, o.recordTTL, func(j *models.Job) error {
		if !j.Transition(models.StatusFailed, msg) {
			return errNoTransition
		}
		j.Error = &models.JobError{
			Category: category,
			Message:  msg,
			Retries:  retries,
		}
		return nil
	})
	if err != nil {
		// Another writer (Cancel, reaper) already finalized the job.
		if !errors.Is(err, errNoTransition) {
			slog.Warn("marking job failed", "job_id", jobID, "error", err)
		}
		return
	}

	slog.Error("job failed",
		"job_id", jobID,
		"category", category,
		"retries", retries,
		"error", cause,
	)
	o.publishCompletion(ctx, updated)
}

func (o *Orchestrator) completeJob(ctx context.Context, jobID uuid.UUID, result *models.BookingResult) {
	updated, err := o.store.UpdateJob(ctx, jobID, o.recordTTL, func(j *models.Job) error {
		if !j.Transition(models.StatusCompleted, "Booking confirmed") {
			return errNoTransition
		}
		j.Result = result
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNoTransition) {
			slog.Warn("marking job completed", "job_id", jobID, "error", err)
		}
		return
	}

	slog.Info("job completed", "job_id", jobID)
	o.publishCompletion(ctx, updated)
}

// sleepCtx waits for d, returning false if ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
