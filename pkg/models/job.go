package models

import (
	"time"

	"github.com/google/uuid"
)

// Job is one user-requested automation run. A job record is owned by the
// orchestrator goroutine executing it while active and becomes read-only
// history once it reaches a terminal status.
type Job struct {
	ID          uuid.UUID      `json:"job_id"`
	UserID      string         `json:"user_id"`
	Status      JobStatus      `json:"status"`
	Progress    float64        `json:"progress"`
	Message     string         `json:"message"`
	Config      BookingConfig  `json:"config"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      *BookingResult `json:"result,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
}

// JobError captures why a job failed, with the collaborator's error
// category preserved.
type JobError struct {
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
	Retries  int           `json:"retries,omitempty"`
}

// NewJob creates a PENDING job for the given validated config.
func NewJob(cfg BookingConfig) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.New(),
		UserID:    cfg.UserID,
		Status:    StatusPending,
		Progress:  0,
		Message:   "Job accepted, waiting to start",
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition applies a status change, updating message, timestamps and
// progress. It returns false without mutating the job when the edge is not
// part of the state machine.
func (j *Job) Transition(next JobStatus, message string) bool {
	if !j.Status.CanTransitionTo(next) {
		return false
	}
	j.Status = next
	j.Message = message
	j.UpdatedAt = time.Now().UTC()
	if p := next.Progress(); p >= 0 {
		j.Progress = p
	}
	if next.IsTerminal() {
		t := j.UpdatedAt
		j.CompletedAt = &t
	}
	return true
}
