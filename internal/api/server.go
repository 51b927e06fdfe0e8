// Package api exposes the HTTP surface: campaign lifecycle, sending-domain
// management, and process health. Handlers translate service-layer
// sentinel errors into status codes and never leak raw pipeline errors;
// delivery outcomes surface only through the aggregated stats view.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/embermail/embermail/internal/service/campaign"
	"github.com/embermail/embermail/internal/service/sending"
)

// WorkerStats is implemented by the pipeline workers' Stats methods.
type WorkerStats interface {
	Stats() map[string]interface{}
}

// Handlers carries the services the HTTP layer fronts.
type Handlers struct {
	campaigns *campaign.Service
	domains   *sending.Service
	workers   map[string]WorkerStats
	startedAt time.Time
}

// NewHandlers creates the handler set. workers keys appear verbatim in the
// health payload ("monitor", "retry", "recovery").
func NewHandlers(campaigns *campaign.Service, domains *sending.Service, workers map[string]WorkerStats) *Handlers {
	return &Handlers{
		campaigns: campaigns,
		domains:   domains,
		workers:   workers,
		startedAt: time.Now(),
	}
}

// SetupRoutes configures the router.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Owner-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/", h.CreateCampaign)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCampaign)
				r.Put("/", h.UpdateCampaign)
				r.Delete("/", h.DeleteCampaign)
				r.Post("/send", h.SendCampaign)
				r.Post("/schedule", h.ScheduleCampaign)
				r.Post("/retry", h.RetryCampaign)
				r.Get("/stats", h.CampaignStats)
			})
		})

		r.Route("/domains", func(r chi.Router) {
			r.Get("/", h.ListDomains)
			r.Post("/", h.CreateDomain)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetDomain)
				r.Put("/", h.UpdateDomain)
				r.Delete("/", h.DeleteDomain)
				r.Post("/verify", h.VerifyDomain)
			})
		})
	})

	return r
}

// HealthCheck reports process liveness and worker counters.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	}
	for name, ws := range h.workers {
		payload[name] = ws.Stats()
	}
	respondJSON(w, http.StatusOK, payload)
}

// ownerID resolves the acting tenant. Single-tenant deployments omit the
// header and share the default owner.
func ownerID(r *http.Request) string {
	if id := r.Header.Get("X-Owner-ID"); id != "" {
		return id
	}
	return "default"
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// serviceError maps service sentinels onto HTTP status codes. Unknown
// errors become a generic 500 so internal detail stays internal.
func serviceError(w http.ResponseWriter, err error) {
	switch err {
	case campaign.ErrNotFound, sending.ErrNotFound:
		respondError(w, http.StatusNotFound, err.Error())
	case campaign.ErrDeleteSending:
		respondError(w, http.StatusConflict, err.Error())
	case campaign.ErrInvalidTransition:
		respondError(w, http.StatusConflict, err.Error())
	case campaign.ErrScheduleInPast, campaign.ErrMissingList, campaign.ErrMissingDomain,
		sending.ErrUnknownProvider:
		respondError(w, http.StatusBadRequest, err.Error())
	case sending.ErrDomainTaken:
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
