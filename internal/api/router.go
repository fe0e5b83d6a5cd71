package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/provbot/provbot/internal/api/middleware"
	"github.com/provbot/provbot/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler         http.HandlerFunc
	DetailedHealthHandler http.HandlerFunc

	StartHandler    http.HandlerFunc
	StatusHandler   http.HandlerFunc
	CancelHandler   http.HandlerFunc
	QRHandler       http.HandlerFunc
	SessionsHandler http.HandlerFunc
	WSHandler       http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public endpoints: health checks, and the live channel (a job ID is
	// an unguessable capability; browser WebSocket clients cannot set an
	// Authorization header).
	r.Get("/health", orNotImplemented(deps.HealthHandler))
	r.Get("/health/detailed", orNotImplemented(deps.DetailedHealthHandler))
	r.Get("/ws/{jobID}", orNotImplemented(deps.WSHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/booking/start", orNotImplemented(deps.StartHandler))
		r.Get("/api/v1/booking/{jobID}/status", orNotImplemented(deps.StatusHandler))
		r.Post("/api/v1/booking/{jobID}/cancel", orNotImplemented(deps.CancelHandler))
		r.Get("/api/v1/booking/{jobID}/qr", orNotImplemented(deps.QRHandler))

		r.Get("/api/v1/admin/sessions", orNotImplemented(deps.SessionsHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
