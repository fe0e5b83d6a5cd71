// Package store provides the TTL key-value state store backing job,
// session and notification records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/provbot/provbot/pkg/models"
)

// ErrNotFound is returned when a key is absent or expired.
var ErrNotFound = errors.New("resource not found")

// Store is the state-store interface. All persisted state goes through
// here. Implementations must be safe for concurrent use and give
// test-and-set semantics for UpdateJob so a job's executor and the reaper
// never race on the same record.
type Store interface {
	Ping(ctx context.Context) error

	SaveJob(ctx context.Context, job *models.Job, ttl time.Duration) error
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	// UpdateJob atomically applies fn to the stored job and writes the
	// result back with the given TTL. fn returning an error aborts the
	// update and the error is passed through.
	UpdateJob(ctx context.Context, jobID uuid.UUID, ttl time.Duration, fn func(*models.Job) error) (*models.Job, error)
	DeleteJob(ctx context.Context, jobID uuid.UUID) error
	ListJobIDs(ctx context.Context) ([]uuid.UUID, error)

	SaveSession(ctx context.Context, s *models.Session, ttl time.Duration) error
	GetSession(ctx context.Context, jobID uuid.UUID) (*models.Session, error)
	DeleteSession(ctx context.Context, jobID uuid.UUID) error

	SaveNotification(ctx context.Context, p *models.NotificationPayload, ttl time.Duration) error
	GetNotification(ctx context.Context, jobID uuid.UUID) (*models.NotificationPayload, error)
	// TouchNotification refreshes the TTL of the latest payload without
	// rewriting it, keeping the poll fallback warm for suppressed
	// duplicate publishes.
	TouchNotification(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error

	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}
