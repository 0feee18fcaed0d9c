package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-tracker/internal/database"
	"github.com/kozaktomas/face-tracker/internal/embedder"
	"github.com/kozaktomas/face-tracker/internal/recognition"
	"github.com/kozaktomas/face-tracker/internal/web/middleware"
)

func TestRecognizeHandler_Vector(t *testing.T) {
	tests := []struct {
		name       string
		lastSeen   time.Duration // age of the stored embedding; 0 means an empty store
		vector     []float32
		wantTier   recognition.Tier
		wantAction recognition.Action
		wantID     bool
	}{
		{"empty store is unidentified", 0, []float32{1, 0, 0}, recognition.TierUnidentified, recognition.ActionStageNew, false},
		{"recent match", 2 * time.Hour, []float32{1, 0.05, 0}, recognition.TierRecent, recognition.ActionNone, true},
		{"stale match", 20 * 24 * time.Hour, []float32{1, 0.05, 0}, recognition.TierStale, recognition.ActionStageSighting, true},
		{"below threshold", 2 * time.Hour, []float32{0, 1, 0}, recognition.TierUnidentified, recognition.ActionStageNew, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, store := testEngine(t)
			if tt.lastSeen > 0 {
				store.AddEmbedding(1, []float32{1, 0, 0}, testNow.Add(-tt.lastSeen))
			}
			h := NewRecognizeHandler(engine, &fakeEmbedder{}, nil, logr.Discard())

			req := jsonRequest(t, http.MethodPost, "/api/v1/recognize/vector", map[string]any{"vector": tt.vector})
			recorder := httptest.NewRecorder()
			h.Vector(recorder, req)

			assertStatusCode(t, recorder, http.StatusOK)
			assertContentType(t, recorder, "application/json")

			var res recognition.Result
			parseJSONResponse(t, recorder, &res)
			if res.Tier != tt.wantTier {
				t.Errorf("tier = %s, want %s", res.Tier, tt.wantTier)
			}
			if res.Action != tt.wantAction {
				t.Errorf("action = %s, want %s", res.Action, tt.wantAction)
			}
			if (res.IdentityID != nil) != tt.wantID {
				t.Errorf("identity_id = %v, want present=%v", res.IdentityID, tt.wantID)
			}
			if len(res.Vector) != len(tt.vector) {
				t.Errorf("vector not echoed back: %v", res.Vector)
			}
			if store.InsertFirstCalls+store.InsertForCalls != 0 {
				t.Error("recognition must not persist anything")
			}
		})
	}
}

func TestRecognizeHandler_VectorErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		storeErr   error
		wantStatus int
	}{
		{"wrong dimension", map[string]any{"vector": []float32{1, 0}}, nil, http.StatusBadRequest},
		{"empty vector", map[string]any{"vector": []float32{}}, nil, http.StatusBadRequest},
		{"malformed body", "not an object", nil, http.StatusBadRequest},
		{"store unavailable", map[string]any{"vector": []float32{1, 0, 0}}, database.Unavailable("nearest", errors.New("connection refused")), http.StatusServiceUnavailable},
		{"unexpected error", map[string]any{"vector": []float32{1, 0, 0}}, errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, store := testEngine(t)
			store.NearestError = tt.storeErr
			h := NewRecognizeHandler(engine, &fakeEmbedder{}, nil, logr.Discard())

			req := jsonRequest(t, http.MethodPost, "/api/v1/recognize/vector", tt.body)
			recorder := httptest.NewRecorder()
			h.Vector(recorder, req)

			assertStatusCode(t, recorder, tt.wantStatus)
		})
	}
}

func TestRecognizeHandler_Image(t *testing.T) {
	engine, store := testEngine(t)
	store.AddEmbedding(1, []float32{0, 1, 0}, testNow.Add(-time.Hour))
	emb := &fakeEmbedder{vector: []float32{0, 1, 0.1}}
	h := NewRecognizeHandler(engine, emb, nil, logr.Discard())

	req := multipartRequest(t, "/api/v1/recognize?device_id=door-1", []byte("jpeg bytes"))
	recorder := httptest.NewRecorder()
	h.Image(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	if emb.calls != 1 {
		t.Errorf("embedder called %d times, want 1", emb.calls)
	}

	var res recognition.Result
	parseJSONResponse(t, recorder, &res)
	if res.Tier != recognition.TierRecent || res.IdentityID == nil || *res.IdentityID != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRecognizeHandler_ImageErrors(t *testing.T) {
	tests := []struct {
		name       string
		embedErr   error
		wantStatus int
		wantError  string
	}{
		{"no face", embedder.ErrNoFaceDetected, http.StatusUnprocessableEntity, "no face detected"},
		{"bad image", fmt.Errorf("%w: unknown format", embedder.ErrInvalidImage), http.StatusBadRequest, "invalid image: unknown format"},
		{"embedder down", errors.New("connection refused"), http.StatusBadGateway, "embedding server unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, store := testEngine(t)
			h := NewRecognizeHandler(engine, &fakeEmbedder{err: tt.embedErr}, nil, logr.Discard())

			req := multipartRequest(t, "/api/v1/recognize", []byte("jpeg bytes"))
			recorder := httptest.NewRecorder()
			h.Image(recorder, req)

			assertStatusCode(t, recorder, tt.wantStatus)
			assertJSONError(t, recorder, tt.wantError)
			if store.NearestCalls != 0 {
				t.Error("store consulted despite embedding failure")
			}
		})
	}
}

func TestRecognizeHandler_ImageMissingFile(t *testing.T) {
	engine, _ := testEngine(t)
	h := NewRecognizeHandler(engine, &fakeEmbedder{}, nil, logr.Discard())

	req := jsonRequest(t, http.MethodPost, "/api/v1/recognize", map[string]any{})
	recorder := httptest.NewRecorder()
	h.Image(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "failed to parse multipart form")
}

func TestRecognizeHandler_CooldownUsesBodyDeviceID(t *testing.T) {
	engine, store := testEngine(t)
	h := NewRecognizeHandler(engine, &fakeEmbedder{}, middleware.NewDeviceLimiter(time.Minute), logr.Discard())

	send := func(device string) *httptest.ResponseRecorder {
		req := jsonRequest(t, http.MethodPost, "/api/v1/recognize/vector",
			map[string]any{"vector": []float32{1, 0, 0}, "device_id": device})
		recorder := httptest.NewRecorder()
		h.Vector(recorder, req)
		return recorder
	}

	assertStatusCode(t, send("door"), http.StatusOK)
	limited := send("door")
	assertStatusCode(t, limited, http.StatusTooManyRequests)
	assertJSONError(t, limited, "rate limited")
	assertStatusCode(t, send("lobby"), http.StatusOK)

	if store.NearestCalls != 2 {
		t.Errorf("store consulted %d times, want 2", store.NearestCalls)
	}
}

func TestRecognizeHandler_CooldownSkipsEmbedding(t *testing.T) {
	engine, _ := testEngine(t)
	emb := &fakeEmbedder{vector: []float32{0, 1, 0}}
	h := NewRecognizeHandler(engine, emb, middleware.NewDeviceLimiter(time.Minute), logr.Discard())

	for range 2 {
		req := multipartRequest(t, "/api/v1/recognize?device_id=door-1", []byte("jpeg bytes"))
		h.Image(httptest.NewRecorder(), req)
	}
	if emb.calls != 1 {
		t.Errorf("embedder called %d times, want 1", emb.calls)
	}
}
