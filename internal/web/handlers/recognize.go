package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-tracker/internal/embedder"
	"github.com/kozaktomas/face-tracker/internal/recognition"
)

// MaxUploadSize is the maximum image upload size in bytes (20MB).
const MaxUploadSize = 20 << 20

// Cooldown holds each capture device to one recognition per interval.
type Cooldown interface {
	AllowRequest(r *http.Request, deviceID string) bool
	Reject(w http.ResponseWriter)
}

// RecognizeHandler resolves captured faces against the identity store.
type RecognizeHandler struct {
	engine   Engine
	embedder embedder.Embedder
	cooldown Cooldown
	log      logr.Logger
}

// NewRecognizeHandler creates a new recognize handler. A nil cooldown
// disables per-device limiting.
func NewRecognizeHandler(engine Engine, emb embedder.Embedder, cooldown Cooldown, log logr.Logger) *RecognizeHandler {
	return &RecognizeHandler{
		engine:   engine,
		embedder: emb,
		cooldown: cooldown,
		log:      log,
	}
}

// deviceID returns the device named by the request: the given body or form
// value, else the device_id query parameter, else the X-Device-ID header.
func deviceID(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if id := r.URL.Query().Get("device_id"); id != "" {
		return id
	}
	return r.Header.Get("X-Device-ID")
}

// allow applies the device cooldown and writes the rejection when it fails.
func (h *RecognizeHandler) allow(w http.ResponseWriter, r *http.Request, device string) bool {
	if h.cooldown == nil || h.cooldown.AllowRequest(r, device) {
		return true
	}
	h.cooldown.Reject(w)
	return false
}

// Image handles a multipart upload: the "file" part is embedded and the
// resulting vector classified. Nothing is persisted.
func (h *RecognizeHandler) Image(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	device := deviceID(r, r.FormValue("device_id"))
	if !h.allow(w, r, device) {
		return
	}

	vector, err := h.embedder.Embed(r.Context(), data)
	if err != nil {
		if errors.Is(err, embedder.ErrNoFaceDetected) || errors.Is(err, embedder.ErrInvalidImage) {
			respondEngineError(w, err)
			return
		}
		h.log.Error(err, "embedding failed", "device_id", sanitizeForLog(device))
		respondError(w, http.StatusBadGateway, "embedding server unavailable")
		return
	}

	h.classify(w, r, device, vector)
}

// Vector classifies a precomputed embedding.
func (h *RecognizeHandler) Vector(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeVector(w, r)
	if !ok {
		return
	}
	device := deviceID(r, req.DeviceID)
	if !h.allow(w, r, device) {
		return
	}
	h.classify(w, r, device, req.Vector)
}

func (h *RecognizeHandler) classify(w http.ResponseWriter, r *http.Request, device string, vector []float32) {
	ctx := recognition.WithDeviceID(r.Context(), device)
	res, err := h.engine.ResolveAndClassify(ctx, vector)
	if err != nil {
		h.log.Error(err, "recognition failed", "device_id", sanitizeForLog(device))
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
