// Package session tracks live automation sessions keyed by job ID.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/provbot/provbot/internal/store"
	"github.com/provbot/provbot/pkg/models"
)

// Registry is the in-process table of active sessions, written through to
// the state store so status endpoints and the reaper can see them. The map
// is lock-guarded; it is mutated by job executors and the reaper.
type Registry struct {
	store     store.Store
	recordTTL time.Duration

	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
}

// NewRegistry creates a Registry persisting session records with the given
// TTL (job timeout plus grace).
func NewRegistry(s store.Store, recordTTL time.Duration) *Registry {
	return &Registry{
		store:     s,
		recordTTL: recordTTL,
		sessions:  make(map[uuid.UUID]*models.Session),
	}
}

// Register binds a session to its job. Registering over an existing session
// for the same job replaces it; that is an anomaly worth logging, since a
// job must never hold two live sessions.
func (r *Registry) Register(ctx context.Context, sess *models.Session) error {
	r.mu.Lock()
	if prev, ok := r.sessions[sess.JobID]; ok {
		slog.Warn("replacing existing session for job",
			"job_id", sess.JobID,
			"old_session_id", prev.SessionID,
			"new_session_id", sess.SessionID,
		)
	}
	r.sessions[sess.JobID] = sess
	r.mu.Unlock()

	return r.store.SaveSession(ctx, sess, r.recordTTL)
}

// Unregister removes the session bound to jobID. Safe to call repeatedly;
// a second call is a no-op.
func (r *Registry) Unregister(ctx context.Context, jobID uuid.UUID) {
	r.mu.Lock()
	_, ok := r.sessions[jobID]
	delete(r.sessions, jobID)
	r.mu.Unlock()

	if err := r.store.DeleteSession(ctx, jobID); err != nil {
		slog.Error("failed to delete session record", "job_id", jobID, "error", err)
	}
	if ok {
		slog.Info("session unregistered", "job_id", jobID)
	}
}

// Get returns the live session for jobID, if any.
func (r *Registry) Get(jobID uuid.UUID) (*models.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[jobID]
	return sess, ok
}

// ListActive returns a snapshot of all live sessions.
func (r *Registry) ListActive() []*models.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
