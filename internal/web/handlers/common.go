package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kozaktomas/face-tracker/internal/database"
	"github.com/kozaktomas/face-tracker/internal/embedder"
	"github.com/kozaktomas/face-tracker/internal/recognition"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// maxVectorBody bounds JSON bodies carrying a single embedding.
const maxVectorBody = 1 << 20

// Engine is the part of recognition.Engine the handlers drive.
type Engine interface {
	ResolveAndClassify(ctx context.Context, vector []float32) (recognition.Result, error)
	AcceptNew(ctx context.Context, vector []float32) (int64, error)
	AcceptSighting(ctx context.Context, identityID int64, vector []float32) error
	ListIdentities(ctx context.Context) ([]database.IdentitySummary, error)
}

// vectorRequest is the body of every endpoint that takes a raw embedding.
type vectorRequest struct {
	Vector   []float32 `json:"vector"`
	DeviceID string    `json:"device_id,omitempty"`
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// statusForError maps engine and embedder errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, database.ErrInvalidInput), errors.Is(err, embedder.ErrInvalidImage):
		return http.StatusBadRequest
	case errors.Is(err, embedder.ErrNoFaceDetected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, database.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondEngineError writes err with the status statusForError picks.
// Backend causes are not echoed to the client.
func respondEngineError(w http.ResponseWriter, err error) {
	switch status := statusForError(err); status {
	case http.StatusInternalServerError:
		respondError(w, status, "internal error")
	case http.StatusServiceUnavailable:
		respondError(w, status, database.ErrStoreUnavailable.Error())
	default:
		respondError(w, status, err.Error())
	}
}

// decodeVector reads a vectorRequest body.
func decodeVector(w http.ResponseWriter, r *http.Request) (vectorRequest, bool) {
	var req vectorRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxVectorBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return req, false
	}
	return req, true
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports liveness to capture devices, which poll it before streaming.
func Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "online",
	})
}
