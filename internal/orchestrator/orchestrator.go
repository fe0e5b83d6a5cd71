// Package orchestrator owns the job lifecycle: admission control,
// workflow execution through the automation runner, state updates and
// progress fan-out through the notification dispatcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/provbot/provbot/internal/config"
	"github.com/provbot/provbot/internal/notify"
	"github.com/provbot/provbot/internal/session"
	"github.com/provbot/provbot/internal/store"
	"github.com/provbot/provbot/pkg/models"
)

// Orchestrator admission-controls submissions and runs one executor
// goroutine per active job.
type Orchestrator struct {
	store      store.Store
	registry   *session.Registry
	dispatcher *notify.Dispatcher
	runner     models.AutomationRunner

	jobTimeout     time.Duration
	maxRetries     int
	retryBaseDelay time.Duration
	recordTTL      time.Duration
	notifyTTL      time.Duration

	sem *semaphore.Weighted

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New wires the orchestrator. Job and session records are persisted with
// TTL JobTimeout+grace so the store itself reclaims anything the reaper
// misses.
func New(s store.Store, reg *session.Registry, disp *notify.Dispatcher, runner models.AutomationRunner, cfg *config.Config) *Orchestrator {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:          s,
		registry:       reg,
		dispatcher:     disp,
		runner:         runner,
		jobTimeout:     cfg.Jobs.Timeout,
		maxRetries:     cfg.Jobs.MaxRetries,
		retryBaseDelay: cfg.Jobs.RetryBaseDelay,
		recordTTL:      cfg.Jobs.Timeout + cfg.Reaper.Grace,
		notifyTTL:      cfg.Notify.TTL,
		sem:            semaphore.NewWeighted(int64(cfg.Jobs.MaxConcurrent)),
		cancels:        make(map[uuid.UUID]context.CancelFunc),
		baseCtx:        baseCtx,
		baseCancel:     baseCancel,
	}
}

// Submit validates the config, admits the job against the concurrency cap
// and spawns its executor. It returns the PENDING job immediately.
func (o *Orchestrator) Submit(ctx context.Context, cfg models.BookingConfig) (*models.Job, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if !o.sem.TryAcquire(1) {
		return nil, ErrAtCapacity
	}

	job := models.NewJob(cfg)
	if err := o.store.SaveJob(ctx, job, o.recordTTL); err != nil {
		o.sem.Release(1)
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	jobCtx, cancel := context.WithTimeout(o.baseCtx, o.jobTimeout)
	o.mu.Lock()
	o.cancels[job.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.execute(jobCtx, cancel, job)

	slog.Info("job admitted", "job_id", job.ID, "user_id", job.UserID)
	return job, nil
}

// GetStatus returns the current job record. store.ErrNotFound passes
// through for unknown or expired jobs.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// GetLatestNotification returns the latest stored payload for a job, the
// poll fallback for consumers without a live connection.
func (o *Orchestrator) GetLatestNotification(ctx context.Context, jobID uuid.UUID) (*models.NotificationPayload, error) {
	return o.store.GetNotification(ctx, jobID)
}

// Cancel marks the job CANCELLED, emits the final notification and then
// signals the executor to stop. Terminal jobs return ErrAlreadyTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID, reason string) error {
	if reason == "" {
		reason = "Cancelled by user"
	}

	updated, err := o.store.UpdateJob(ctx, jobID, o.recordTTL, func(j *models.Job) error {
		if j.Status.IsTerminal() {
			return ErrAlreadyTerminal
		}
		if !j.Transition(models.StatusCancelled, reason) {
			return ErrAlreadyTerminal
		}
		return nil
	})
	if err != nil {
		return err
	}

	o.registry.Unregister(ctx, jobID)
	o.publishCompletion(ctx, updated)

	o.mu.Lock()
	cancel, ok := o.cancels[jobID]
	o.mu.Unlock()
	if ok {
		cancel()
	}

	slog.Info("job cancelled", "job_id", jobID, "reason", reason)
	return nil
}

// ActiveJobs reports the number of jobs with a running executor.
func (o *Orchestrator) ActiveJobs() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cancels)
}

// Shutdown cancels all running jobs and waits for their executors to
// finish cleanup, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for job executors: %w", ctx.Err())
	}
}

// errNoTransition aborts a CAS update whose edge is not part of the state
// machine, typically because another writer reached a terminal status
// first.
var errNoTransition = errors.New("transition not applicable")

// applyTransition CAS-updates the job through the state machine and
// returns the new snapshot. Invalid edges are rejected without mutating
// the record so late progress callbacks cannot resurrect a finished job.
func (o *Orchestrator) applyTransition(ctx context.Context, jobID uuid.UUID, next models.JobStatus, message string) (*models.Job, bool) {
	updated, err := o.store.UpdateJob(ctx, jobID, o.recordTTL, func(j *models.Job) error {
		if !j.Transition(next, message) {
			return errNoTransition
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, errNoTransition):
			slog.Debug("invalid status transition rejected", "job_id", jobID, "next", next)
		case errors.Is(err, store.ErrNotFound):
		default:
			slog.Warn("job status update failed", "job_id", jobID, "next", next, "error", err)
		}
		return nil, false
	}
	return updated, true
}

func (o *Orchestrator) publishStatus(ctx context.Context, job *models.Job) {
	p, err := models.NewNotification(job.ID, models.NotifyStatusUpdate, models.StatusContent{
		Status:   job.Status,
		Message:  job.Message,
		Progress: job.Progress,
	})
	if err != nil {
		slog.Error("building status notification", "job_id", job.ID, "error", err)
		return
	}
	if err := o.dispatcher.Publish(ctx, job, p); err != nil {
		slog.Warn("publishing status notification", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) publishCompletion(ctx context.Context, job *models.Job) {
	p, err := models.NewNotification(job.ID, models.NotifyCompletion, models.CompletionContent{
		Success: job.Status == models.StatusCompleted,
		Status:  job.Status,
		Message: job.Message,
		Result:  job.Result,
		Error:   job.Error,
	})
	if err != nil {
		slog.Error("building completion notification", "job_id", job.ID, "error", err)
		return
	}
	if err := o.dispatcher.Publish(ctx, job, p); err != nil {
		slog.Warn("publishing completion notification", "job_id", job.ID, "error", err)
	}
}
