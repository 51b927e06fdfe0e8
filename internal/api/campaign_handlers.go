package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/embermail/embermail/internal/service/campaign"
)

// CreateCampaign creates a draft campaign.
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var input campaign.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.campaigns.Create(r.Context(), ownerID(r), input)
	if err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

// ListCampaigns returns the owner's campaigns with pagination.
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	list, total, err := h.campaigns.List(r.Context(), ownerID(r), campaign.ListFilter{
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaigns": list,
		"total":     total,
	})
}

// GetCampaign returns one campaign.
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), ownerID(r), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// UpdateCampaign edits a campaign that has not been claimed yet.
func (h *Handlers) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var u campaign.UpdateFields
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.campaigns.Update(r.Context(), ownerID(r), chi.URLParam(r, "id"), u); err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// DeleteCampaign removes a campaign unless it is mid-send.
func (h *Handlers) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := h.campaigns.Delete(r.Context(), ownerID(r), chi.URLParam(r, "id")); err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// SendCampaign submits the campaign for immediate delivery. The monitor's
// next cycle dispatches it; the response confirms submission only.
func (h *Handlers) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.campaigns.TriggerImmediately(r.Context(), ownerID(r), id); err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":      "queued",
		"campaign_id": id,
	})
}

// ScheduleCampaign sets a future delivery time.
func (h *Handlers) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		At time.Time `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.At.IsZero() {
		respondError(w, http.StatusBadRequest, "body must include an RFC3339 'at' timestamp")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.campaigns.Schedule(r.Context(), ownerID(r), id, body.At); err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":       "scheduled",
		"campaign_id":  id,
		"scheduled_at": body.At.Format(time.RFC3339),
	})
}

// RetryCampaign queues the campaign's failed attempts for an immediate
// retry sweep.
func (h *Handlers) RetryCampaign(w http.ResponseWriter, r *http.Request) {
	n, err := h.campaigns.RetryFailed(r.Context(), ownerID(r), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "retry_queued",
		"queued": n,
	})
}

// CampaignStats returns the aggregated delivery view.
func (h *Handlers) CampaignStats(w http.ResponseWriter, r *http.Request) {
	s, err := h.campaigns.Stats(r.Context(), ownerID(r), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s)
}
