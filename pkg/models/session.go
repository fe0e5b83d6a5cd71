package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is the live browser resource bound 1:1 to an executing job. At
// most one session exists per job ID at any time.
type Session struct {
	JobID       uuid.UUID `json:"job_id"`
	SessionID   uuid.UUID `json:"session_id"`
	UserID      string    `json:"user_id"`
	BrowserKind string    `json:"browser_kind"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewSession creates a session record for the given job.
func NewSession(jobID uuid.UUID, userID, browserKind string) *Session {
	return &Session{
		JobID:       jobID,
		SessionID:   uuid.New(),
		UserID:      userID,
		BrowserKind: browserKind,
		CreatedAt:   time.Now().UTC(),
	}
}
