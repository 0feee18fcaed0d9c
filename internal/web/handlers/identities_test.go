package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-tracker/internal/database"
)

func TestIdentitiesHandler_Create(t *testing.T) {
	engine, store := testEngine(t)
	h := NewIdentitiesHandler(engine, logr.Discard())

	for want := int64(1); want <= 2; want++ {
		req := jsonRequest(t, http.MethodPost, "/api/v1/identities", map[string]any{"vector": []float32{1, float32(want), 0}})
		recorder := httptest.NewRecorder()
		h.Create(recorder, req)

		assertStatusCode(t, recorder, http.StatusCreated)
		var resp IdentityResponse
		parseJSONResponse(t, recorder, &resp)
		if resp.IdentityID != want {
			t.Errorf("identity_id = %d, want %d", resp.IdentityID, want)
		}
	}
	if store.InsertFirstCalls != 2 {
		t.Errorf("InsertFirstCalls = %d, want 2", store.InsertFirstCalls)
	}
}

func TestIdentitiesHandler_CreateInvalidVector(t *testing.T) {
	engine, store := testEngine(t)
	h := NewIdentitiesHandler(engine, logr.Discard())

	req := jsonRequest(t, http.MethodPost, "/api/v1/identities", map[string]any{"vector": []float32{1, 0}})
	recorder := httptest.NewRecorder()
	h.Create(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	if store.InsertFirstCalls != 0 {
		t.Error("invalid vector reached the store")
	}
}

func TestIdentitiesHandler_AddSighting(t *testing.T) {
	engine, store := testEngine(t)
	store.AddEmbedding(1, []float32{1, 0, 0}, testNow.Add(-30*24*time.Hour))
	h := NewIdentitiesHandler(engine, logr.Discard())

	req := jsonRequest(t, http.MethodPost, "/api/v1/identities/1/sightings", map[string]any{"vector": []float32{1, 0.1, 0}})
	req = requestWithChiParams(req, map[string]string{"id": "1"})
	recorder := httptest.NewRecorder()
	h.AddSighting(recorder, req)

	assertStatusCode(t, recorder, http.StatusNoContent)
	if recorder.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", recorder.Body.String())
	}

	ids, _ := store.ListIdentities(req.Context())
	if len(ids) != 1 || ids[0].EmbeddingCount != 2 || !ids[0].MostRecentSeen.Equal(testNow) {
		t.Errorf("unexpected identities after sighting: %+v", ids)
	}
}

func TestIdentitiesHandler_AddSightingErrors(t *testing.T) {
	tests := []struct {
		name       string
		id         string
		vector     []float32
		wantStatus int
	}{
		{"non-numeric id", "abc", []float32{1, 0, 0}, http.StatusBadRequest},
		{"zero id", "0", []float32{1, 0, 0}, http.StatusBadRequest},
		{"unknown identity", "42", []float32{1, 0, 0}, http.StatusNotFound},
		{"invalid vector", "1", []float32{1, 0, 0, 0}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, store := testEngine(t)
			store.AddEmbedding(1, []float32{1, 0, 0}, testNow)
			h := NewIdentitiesHandler(engine, logr.Discard())

			req := jsonRequest(t, http.MethodPost, "/api/v1/identities/"+tt.id+"/sightings", map[string]any{"vector": tt.vector})
			req = requestWithChiParams(req, map[string]string{"id": tt.id})
			recorder := httptest.NewRecorder()
			h.AddSighting(recorder, req)

			assertStatusCode(t, recorder, tt.wantStatus)
		})
	}
}

func TestIdentitiesHandler_List(t *testing.T) {
	engine, store := testEngine(t)
	h := NewIdentitiesHandler(engine, logr.Discard())

	recorder := httptest.NewRecorder()
	h.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/identities", nil))
	assertStatusCode(t, recorder, http.StatusOK)
	if got := recorder.Body.String(); got != "[]\n" {
		t.Errorf("expected empty JSON array, got %q", got)
	}

	store.AddEmbedding(1, []float32{1, 0, 0}, testNow.Add(-time.Hour))
	store.AddEmbedding(1, []float32{0, 1, 0}, testNow)
	store.AddEmbedding(2, []float32{0, 0, 1}, testNow.Add(-time.Minute))

	recorder = httptest.NewRecorder()
	h.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/identities", nil))
	assertStatusCode(t, recorder, http.StatusOK)

	var identities []database.IdentitySummary
	parseJSONResponse(t, recorder, &identities)
	if len(identities) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(identities))
	}
	if identities[0].IdentityID != 1 || identities[0].EmbeddingCount != 2 || !identities[0].MostRecentSeen.Equal(testNow) {
		t.Errorf("unexpected first identity: %+v", identities[0])
	}
}

func TestIdentitiesHandler_ListStoreUnavailable(t *testing.T) {
	engine, store := testEngine(t)
	store.ListIdentitiesError = database.Unavailable("list", errors.New("timeout"))
	h := NewIdentitiesHandler(engine, logr.Discard())

	recorder := httptest.NewRecorder()
	h.List(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/identities", nil))

	assertStatusCode(t, recorder, http.StatusServiceUnavailable)
	assertJSONError(t, recorder, "vector store unavailable")
}
