// Package reaper reclaims jobs and sessions that outlived their execution
// window, typically after a crashed executor or a wedged browser session.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/provbot/provbot/internal/config"
	"github.com/provbot/provbot/internal/notify"
	"github.com/provbot/provbot/internal/session"
	"github.com/provbot/provbot/internal/store"
	"github.com/provbot/provbot/pkg/models"
)

// ReclaimReason is recorded on jobs the reaper fails.
const ReclaimReason = "stale_reclaimed"

// Reaper periodically scans job records and force-cleans stale ones. It
// relies on the same terminal-immutability CAS the orchestrator uses, so
// running concurrently with a legitimately completing job is safe.
type Reaper struct {
	store      store.Store
	registry   *session.Registry
	dispatcher *notify.Dispatcher

	interval  time.Duration
	cutoff    time.Duration
	recordTTL time.Duration

	cron *cron.Cron
	now  func() time.Time
}

func New(s store.Store, reg *session.Registry, disp *notify.Dispatcher, cfg *config.Config) *Reaper {
	return &Reaper{
		store:      s,
		registry:   reg,
		dispatcher: disp,
		interval:   cfg.Reaper.Interval,
		cutoff:     cfg.Jobs.Timeout + cfg.Reaper.Grace,
		recordTTL:  cfg.Jobs.Timeout + cfg.Reaper.Grace,
		cron:       cron.New(),
		now:        time.Now,
	}
}

// SetNow overrides the clock for tests.
func (r *Reaper) SetNow(now func() time.Time) {
	r.now = now
}

// Start schedules the scan at the configured interval.
func (r *Reaper) Start() error {
	_, err := r.cron.AddFunc("@every "+r.interval.String(), func() {
		r.RunOnce(context.Background())
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	slog.Info("reaper started", "interval", r.interval, "cutoff", r.cutoff)
	return nil
}

// Stop halts the schedule and waits for an in-flight scan to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// RunOnce scans all job records. Stale non-terminal jobs are failed with
// ReclaimReason and their sessions force-unregistered; terminal jobs past
// the window are deleted outright. Returns counts for observability.
func (r *Reaper) RunOnce(ctx context.Context) (reclaimed, deleted int) {
	ids, err := r.store.ListJobIDs(ctx)
	if err != nil {
		slog.Error("reaper scan failed", "error", err)
		return 0, 0
	}

	for _, id := range ids {
		job, err := r.store.GetJob(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("reaper could not load job", "job_id", id, "error", err)
			}
			continue
		}

		age := r.now().Sub(job.UpdatedAt)
		if age <= r.cutoff {
			continue
		}

		if job.Status.IsTerminal() {
			if err := r.store.DeleteJob(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
				slog.Warn("reaper could not delete job", "job_id", id, "error", err)
				continue
			}
			_ = r.store.DeleteSession(ctx, id)
			deleted++
			continue
		}

		if r.reclaim(ctx, job) {
			reclaimed++
		}
	}

	if reclaimed > 0 || deleted > 0 {
		slog.Info("reaper pass finished", "reclaimed", reclaimed, "deleted", deleted)
	}
	return reclaimed, deleted
}

var errLostRace = errors.New("job finished while being reclaimed")

func (r *Reaper) reclaim(ctx context.Context, job *models.Job) bool {
	updated, err := r.store.UpdateJob(ctx, job.ID, r.recordTTL, func(j *models.Job) error {
		if !j.Transition(models.StatusFailed, "Job reclaimed after exceeding its execution window") {
			return errLostRace
		}
		j.Error = &models.JobError{
			Category: models.CategoryUnexpected,
			Message:  ReclaimReason,
		}
		return nil
	})
	if err != nil {
		// Completed or got cancelled between the scan and the update.
		if !errors.Is(err, errLostRace) && !errors.Is(err, store.ErrNotFound) {
			slog.Warn("reaper could not reclaim job", "job_id", job.ID, "error", err)
		}
		return false
	}

	r.registry.Unregister(ctx, job.ID)

	p, err := models.NewNotification(job.ID, models.NotifyCompletion, models.CompletionContent{
		Success: false,
		Status:  updated.Status,
		Message: updated.Message,
		Error:   updated.Error,
	})
	if err == nil {
		if err := r.dispatcher.Publish(ctx, updated, p); err != nil {
			slog.Warn("reaper could not publish reclaim notification", "job_id", job.ID, "error", err)
		}
	}
	r.dispatcher.CloseJob(job.ID)

	slog.Warn("stale job reclaimed", "job_id", job.ID, "age_status", job.Status)
	return true
}
