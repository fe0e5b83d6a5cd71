package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/provbot/provbot/internal/api/response"
	"github.com/provbot/provbot/internal/orchestrator"
	"github.com/provbot/provbot/internal/store"
	"github.com/provbot/provbot/pkg/models"
)

// Booker is the orchestrator surface the booking handlers depend on.
type Booker interface {
	Submit(ctx context.Context, cfg models.BookingConfig) (*models.Job, error)
	GetStatus(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	Cancel(ctx context.Context, jobID uuid.UUID, reason string) error
	GetLatestNotification(ctx context.Context, jobID uuid.UUID) (*models.NotificationPayload, error)
}

// SessionLister exposes the session registry to the admin endpoint.
type SessionLister interface {
	ListActive() []*models.Session
}

// NewStartHandler returns the handler for POST /api/v1/booking/start.
// Unknown JSON fields are rejected so config mistakes surface at submit
// time instead of deep in the workflow.
func NewStartHandler(b Booker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg models.BookingConfig
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			response.Error(w, http.StatusBadRequest,
				"INVALID_CONFIG", "Invalid JSON body", err.Error())
			return
		}

		job, err := b.Submit(r.Context(), cfg)
		if err != nil {
			switch {
			case errors.Is(err, orchestrator.ErrInvalidConfig):
				response.Error(w, http.StatusBadRequest,
					"INVALID_CONFIG", "Booking config failed validation", err.Error())
			case errors.Is(err, orchestrator.ErrAtCapacity):
				response.Error(w, http.StatusServiceUnavailable,
					"AT_CAPACITY", "Too many active bookings, try again later", nil)
			default:
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "Failed to start booking", nil)
			}
			return
		}

		response.Accepted(w, job)
	}
}

// NewStatusHandler returns the handler for GET /api/v1/booking/{jobID}/status.
func NewStatusHandler(b Booker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseJobID(w, r)
		if !ok {
			return
		}

		job, err := b.GetStatus(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound,
					"JOB_NOT_FOUND", "No job with that ID", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		response.JSON(w, job)
	}
}

// NewCancelHandler returns the handler for POST /api/v1/booking/{jobID}/cancel.
// The body is optional: `{"reason": "..."}`.
func NewCancelHandler(b Booker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseJobID(w, r)
		if !ok {
			return
		}

		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			response.Error(w, http.StatusBadRequest,
				"INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if err := b.Cancel(r.Context(), jobID, req.Reason); err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound,
					"JOB_NOT_FOUND", "No job with that ID", nil)
			case errors.Is(err, orchestrator.ErrAlreadyTerminal):
				response.Error(w, http.StatusConflict,
					"ALREADY_TERMINAL", "Job has already finished", nil)
			default:
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "Failed to cancel job", nil)
			}
			return
		}

		response.JSON(w, map[string]any{
			"job_id": jobID,
			"status": models.StatusCancelled,
		})
	}
}

// NewQRHandler returns the handler for GET /api/v1/booking/{jobID}/qr, the
// poll fallback for clients without a live connection. It serves whatever
// the latest payload is, QR frame or otherwise, until its TTL expires.
func NewQRHandler(b Booker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := parseJobID(w, r)
		if !ok {
			return
		}

		p, err := b.GetLatestNotification(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound,
					"NO_NOTIFICATION", "No recent notification for that job", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "Failed to load notification", nil)
			return
		}

		response.JSON(w, p)
	}
}

// NewSessionsHandler returns the handler for GET /api/v1/admin/sessions.
func NewSessionsHandler(l SessionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := l.ListActive()
		if sessions == nil {
			sessions = []*models.Session{}
		}
		response.JSON(w, map[string]any{
			"count":    len(sessions),
			"sessions": sessions,
		})
	}
}

func parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "jobID")
	jobID, err := uuid.Parse(raw)
	if err != nil {
		response.Error(w, http.StatusBadRequest,
			"INVALID_JOB_ID", "Job ID must be a UUID", nil)
		return uuid.Nil, false
	}
	return jobID, true
}
