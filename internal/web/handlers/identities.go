package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-tracker/internal/database"
	"github.com/kozaktomas/face-tracker/internal/recognition"
)

// IdentitiesHandler exposes operator acceptance and the identity listing.
type IdentitiesHandler struct {
	engine Engine
	log    logr.Logger
}

// NewIdentitiesHandler creates a new identities handler.
func NewIdentitiesHandler(engine Engine, log logr.Logger) *IdentitiesHandler {
	return &IdentitiesHandler{engine: engine, log: log}
}

// IdentityResponse is returned when a new identity is accepted.
type IdentityResponse struct {
	IdentityID int64 `json:"identity_id"`
}

// List returns every identity with its embedding count and last sighting.
func (h *IdentitiesHandler) List(w http.ResponseWriter, r *http.Request) {
	identities, err := h.engine.ListIdentities(r.Context())
	if err != nil {
		h.log.Error(err, "listing identities failed")
		respondEngineError(w, err)
		return
	}
	if identities == nil {
		identities = []database.IdentitySummary{}
	}
	respondJSON(w, http.StatusOK, identities)
}

// Create accepts a staged unidentified vector as a new identity.
func (h *IdentitiesHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeVector(w, r)
	if !ok {
		return
	}

	ctx := recognition.WithDeviceID(r.Context(), req.DeviceID)
	id, err := h.engine.AcceptNew(ctx, req.Vector)
	if err != nil {
		h.log.Error(err, "accepting new identity failed")
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, IdentityResponse{IdentityID: id})
}

// AddSighting appends a staged sighting to the identity in the URL.
func (h *IdentitiesHandler) AddSighting(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid identity id")
		return
	}

	req, ok := decodeVector(w, r)
	if !ok {
		return
	}

	ctx := recognition.WithDeviceID(r.Context(), req.DeviceID)
	if err := h.engine.AcceptSighting(ctx, id, req.Vector); err != nil {
		h.log.Error(err, "accepting sighting failed", "identity_id", id)
		respondEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
