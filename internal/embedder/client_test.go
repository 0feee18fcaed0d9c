package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDownscale(t *testing.T) {
	small := testPNG(t, 40, 20)
	out, err := Downscale(small, 100)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, small) {
		t.Error("image within bounds should be returned unchanged")
	}

	out, err = Downscale(testPNG(t, 200, 100), 50)
	if err != nil {
		t.Fatal(err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatal(err)
	}
	if format != "jpeg" || cfg.Width != 50 || cfg.Height != 25 {
		t.Errorf("got %s %dx%d, want jpeg 50x25", format, cfg.Width, cfg.Height)
	}

	if _, err := Downscale([]byte("not an image"), 50); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("expected ErrInvalidImage, got %v", err)
	}
}

func TestClientEmbed(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		want    []float32
		wantErr error
	}{
		{
			name:   "first face",
			status: http.StatusOK,
			body: FaceResponse{FacesCount: 2, Faces: []FaceDetection{
				{FaceIndex: 0, Dim: 3, Embedding: []float32{0.1, 0.2, 0.3}},
				{FaceIndex: 1, Dim: 3, Embedding: []float32{0.4, 0.5, 0.6}},
			}},
			want: []float32{0.1, 0.2, 0.3},
		},
		{
			name:    "no faces",
			status:  http.StatusOK,
			body:    FaceResponse{},
			wantErr: ErrNoFaceDetected,
		},
		{
			name:    "unprocessable",
			status:  http.StatusUnprocessableEntity,
			body:    map[string]string{"detail": "no face"},
			wantErr: ErrNoFaceDetected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/embed/face" || r.Method != http.MethodPost {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				file, _, err := r.FormFile("file")
				if err != nil {
					t.Errorf("missing file field: %v", err)
				} else {
					file.Close()
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer server.Close()

			got, err := NewClient(server.URL+"/", 1024).Embed(context.Background(), testPNG(t, 10, 10))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) || got[0] != tt.want[0] {
				t.Errorf("Embed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewClient(server.URL, 0).Embed(context.Background(), testPNG(t, 4, 4))
	if err == nil || errors.Is(err, ErrNoFaceDetected) {
		t.Errorf("expected server error, got %v", err)
	}
}
