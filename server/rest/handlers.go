package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mediagrab/mediagrab/server/internal/batch"
	"github.com/mediagrab/mediagrab/server/internal/job"
)

type Handler struct {
	service *Service
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Acquire handles POST /acquire: 202 once the job is durably pending,
// 409 with the existing job on a duplicate active source, 400 on
// validation failure.
func (h *Handler) Acquire(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req AcquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	j, err := h.service.Submit(r.Context(), req)
	switch {
	case errors.Is(err, job.ErrConflict):
		writeJSON(w, http.StatusConflict, j)
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, j)
	}
}

// AcquireBatch handles POST /acquire/batch: 202 with the batch summary,
// 400 when enumeration yields zero members, 500 with the enumeration error
// otherwise.
func (h *Handler) AcquireBatch(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	parent, err := h.service.SubmitBatch(r.Context(), req)
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, batch.ErrEmptyBatch):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, job.ErrConflict):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"batchId":     parent.Id,
			"title":       parent.Title,
			"memberCount": parent.BatchSize,
		})
	}
}

// Active handles GET /acquire/active.
func (h *Handler) Active(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.Active(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

// History handles GET /acquire/history?limit&offset.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	page, err := h.service.History(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// Cancel handles DELETE /acquire/{id}: 200 on success, 404 when no active
// job owns the key.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cancelled, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if !cancelled {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Info handles GET /acquire/info?url=: Fetcher-reported metadata, or 403
// when the source is age restricted.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	meta, err := h.service.Info(r.Context(), r.URL.Query().Get("url"))
	switch {
	case errors.Is(err, ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, job.ErrAgeRestricted):
		writeJSON(w, http.StatusForbidden, map[string]any{"isAgeRestricted": true})
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, meta)
	}
}
