// Package httpx contains the HTTP delivery layer for the fleeting service.
// It maps JSON requests to the application service, enforces body limits,
// adds security headers and translates service errors to status codes.
// Handlers are split across files (create.go, read.go, health.go, errors.go).
package httpx

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/haukened/fleeting/internal/app"
	"github.com/haukened/fleeting/internal/domain"
)

// ServicePort abstracts the subset of app.Service used by the HTTP layer.
// It is satisfied by *app.Service in production and mocked in tests.
type ServicePort interface {
	CreateEntry(ctx context.Context, text, expirationType string, expirationValue int) (domain.EntryID, error)
	ReadEntry(ctx context.Context, id string) (app.View, error)
	Status(ctx context.Context, id string) (app.Status, error)
}

// Handler wires HTTP endpoints to the application service.
// It is safe for concurrent use. Zero-value is not valid; construct via New.
type Handler struct {
	Service   ServicePort
	MaxBody   int64                       // upper bound on request bodies, 0 disables
	Readiness func(context.Context) error // optional readiness probe
	Metrics   http.Handler                // optional /metrics endpoint
	Logger    *slog.Logger                // defaults to slog.Default()
}

// New returns a configured Handler.
// svc: application service port implementation.
// maxBody: maximum allowed request body size (0 disables the check).
// readiness: optional probe function for /readyz (nil => always ready).
func New(svc ServicePort, maxBody int64, readiness func(context.Context) error) *Handler {
	return &Handler{Service: svc, MaxBody: maxBody, Readiness: readiness}
}

// Router constructs and returns an http.Handler with all routes mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(CorrelationIDMiddleware)
	r.Use(RequestLogger(h.logger()))
	r.Use(chimw.Recoverer)
	r.Use(secureHeaders)

	r.Post("/api/text", h.handleCreate)
	r.Get("/api/text/{id}", h.handleRead)
	r.Get("/api/text/{id}/status", h.handleStatus)
	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleReady)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(r.Context(), w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.writeError(r.Context(), w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
