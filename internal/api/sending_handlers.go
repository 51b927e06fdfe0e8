package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/embermail/embermail/internal/service/sending"
)

// CreateDomain registers a sending domain.
func (h *Handlers) CreateDomain(w http.ResponseWriter, r *http.Request) {
	var input sending.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := h.domains.Create(r.Context(), ownerID(r), input)
	if err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

// ListDomains returns the owner's sending domains.
func (h *Handlers) ListDomains(w http.ResponseWriter, r *http.Request) {
	list, err := h.domains.List(r.Context(), ownerID(r))
	if err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"domains": list})
}

// GetDomain returns one sending domain.
func (h *Handlers) GetDomain(w http.ResponseWriter, r *http.Request) {
	d, err := h.domains.Get(r.Context(), ownerID(r), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// UpdateDomain replaces a domain's transport settings.
func (h *Handlers) UpdateDomain(w http.ResponseWriter, r *http.Request) {
	var input sending.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := h.domains.Update(r.Context(), ownerID(r), chi.URLParam(r, "id"), input)
	if err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// DeleteDomain removes a sending domain.
func (h *Handlers) DeleteDomain(w http.ResponseWriter, r *http.Request) {
	if err := h.domains.Delete(r.Context(), ownerID(r), chi.URLParam(r, "id")); err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// VerifyDomain runs the ownership check and reports the outcome.
func (h *Handlers) VerifyDomain(w http.ResponseWriter, r *http.Request) {
	ok, err := h.domains.Verify(r.Context(), ownerID(r), chi.URLParam(r, "id"))
	if err != nil {
		serviceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"verified": ok})
}
