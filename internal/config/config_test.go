package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"STORE_BACKEND", "EMBEDDING_DIM", "STORE_TIMEOUT", "MATCH_THRESHOLD",
		"RECENCY_WINDOW_DAYS", "MAX_VECTORS_PER_PERSON", "EMBEDDER_URL",
		"NOTIFY_CHANNEL", "DEVICE_COOLDOWN", "LOG_VERBOSITY",
		"WEB_PORT", "WEB_HOST", "WEB_ALLOWED_ORIGINS",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Store.Backend != BackendPostgres {
		t.Errorf("expected backend %q, got %q", BackendPostgres, cfg.Store.Backend)
	}
	if cfg.Store.Dim != 128 {
		t.Errorf("expected dim 128, got %d", cfg.Store.Dim)
	}
	if cfg.Store.Timeout != 5*time.Second {
		t.Errorf("expected 5s store timeout, got %v", cfg.Store.Timeout)
	}
	if cfg.Recognition.RecencyWindow != 14*24*time.Hour {
		t.Errorf("expected 14 day window, got %v", cfg.Recognition.RecencyWindow)
	}
	if cfg.Recognition.MaxVectorsPerPerson != 10 {
		t.Errorf("expected cap 10, got %d", cfg.Recognition.MaxVectorsPerPerson)
	}
	if cfg.Embedder.URL != "http://localhost:8000" {
		t.Errorf("unexpected embedder URL %q", cfg.Embedder.URL)
	}
	if cfg.Notify.Channel != "face-tracker:events" {
		t.Errorf("unexpected channel %q", cfg.Notify.Channel)
	}
	if cfg.Web.DeviceCooldown != 10*time.Second {
		t.Errorf("expected 10s cooldown, got %v", cfg.Web.DeviceCooldown)
	}
	if cfg.Web.Port != 8080 || cfg.Web.Host != "0.0.0.0" {
		t.Errorf("unexpected listen address %s:%d", cfg.Web.Host, cfg.Web.Port)
	}
	if len(cfg.Web.AllowedOrigins) != 0 {
		t.Errorf("expected no extra origins, got %v", cfg.Web.AllowedOrigins)
	}
}

func TestLoad_AllowedOrigins(t *testing.T) {
	t.Setenv("WEB_ALLOWED_ORIGINS", " https://a.example.com, ,https://b.example.com ")

	got := Load().Web.AllowedOrigins
	if len(got) != 2 || got[0] != "https://a.example.com" || got[1] != "https://b.example.com" {
		t.Errorf("AllowedOrigins = %q", got)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("EMBEDDING_DIM", "512")
	t.Setenv("STORE_TIMEOUT", "250ms")
	t.Setenv("RECENCY_WINDOW_DAYS", "7")
	t.Setenv("MAX_VECTORS_PER_PERSON", "3")
	t.Setenv("LOG_VERBOSITY", "2")

	cfg := Load()

	if cfg.Store.Backend != BackendMemory {
		t.Errorf("expected backend %q, got %q", BackendMemory, cfg.Store.Backend)
	}
	if cfg.Store.Dim != 512 {
		t.Errorf("expected dim 512, got %d", cfg.Store.Dim)
	}
	if cfg.Store.Timeout != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.Store.Timeout)
	}
	if cfg.Recognition.RecencyWindow != 7*24*time.Hour {
		t.Errorf("expected 7 days, got %v", cfg.Recognition.RecencyWindow)
	}
	if cfg.Recognition.MaxVectorsPerPerson != 3 {
		t.Errorf("expected cap 3, got %d", cfg.Recognition.MaxVectorsPerPerson)
	}
	if cfg.Log.Verbosity != 2 {
		t.Errorf("expected verbosity 2, got %d", cfg.Log.Verbosity)
	}
}

func TestEnvHelpers_InvalidFallBack(t *testing.T) {
	t.Setenv("TEST_INT", "-3")
	t.Setenv("TEST_FLOAT", "1.5")
	t.Setenv("TEST_DURATION", "soon")

	if got := envInt("TEST_INT", 7); got != 7 {
		t.Errorf("envInt = %d, want 7", got)
	}
	if got := envFloat("TEST_FLOAT", 0.5); got != 0.5 {
		t.Errorf("envFloat = %v, want 0.5", got)
	}
	if got := envDuration("TEST_DURATION", time.Second); got != time.Second {
		t.Errorf("envDuration = %v, want 1s", got)
	}
}

func TestMatchThreshold(t *testing.T) {
	tests := []struct {
		name     string
		model    string
		override string
		want     float64
	}{
		{"default model", "", "", 0.79},
		{"openface calibration", "OpenFace", "", 0.79},
		{"unknown model uses default", "other", "", 0.79},
		{"override wins", "openface", "0.5", 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("EMBEDDER_MODEL", tt.model)
			t.Setenv("MATCH_THRESHOLD", tt.override)

			got := Load().MatchThreshold()
			if got != tt.want {
				t.Errorf("MatchThreshold() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchThreshold_IndependentOfBackend(t *testing.T) {
	t.Setenv("MATCH_THRESHOLD", "")
	t.Setenv("EMBEDDER_MODEL", "")

	t.Setenv("STORE_BACKEND", BackendPostgres)
	postgres := Load().MatchThreshold()
	t.Setenv("STORE_BACKEND", BackendMemory)
	memory := Load().MatchThreshold()

	if postgres != memory {
		t.Errorf("threshold differs by backend: postgres=%v memory=%v", postgres, memory)
	}
}
