package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/face-tracker/internal/embedder"
)

type countingEmbedder struct {
	calls atomic.Int32
}

func (c *countingEmbedder) Embed(_ context.Context, data []byte) ([]float32, error) {
	c.calls.Add(1)
	if string(data) == "blank" {
		return nil, embedder.ErrNoFaceDetected
	}
	return []float32{float32(len(data)), 1, 0}, nil
}

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.JPG", "a.png", "notes.txt", "c.webp"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.jpg"), 0o700); err != nil {
		t.Fatal(err)
	}

	paths, err := listImages(dir)
	if err != nil {
		t.Fatalf("listImages failed: %v", err)
	}
	want := []string{"a.png", "b.JPG", "c.webp"}
	if len(paths) != len(want) {
		t.Fatalf("listImages() = %v, want %v", paths, want)
	}
	for i, p := range paths {
		if filepath.Base(p) != want[i] {
			t.Errorf("paths[%d] = %s, want %s", i, filepath.Base(p), want[i])
		}
	}
}

func TestEmbedAll(t *testing.T) {
	dir := t.TempDir()
	contents := []string{"face", "blank", "longer face"}
	var paths []string
	for i, c := range contents {
		p := filepath.Join(dir, string(rune('a'+i))+".jpg")
		if err := os.WriteFile(p, []byte(c), 0o600); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	paths = append(paths, filepath.Join(dir, "missing.jpg"))

	emb := &countingEmbedder{}
	vectors, errs, err := embedAll(context.Background(), emb, paths, 2, nil)
	if err != nil {
		t.Fatalf("embedAll failed: %v", err)
	}
	if emb.calls.Load() != 3 {
		t.Errorf("embedder called %d times, want 3", emb.calls.Load())
	}
	if vectors[0][0] != 4 || vectors[2][0] != 11 {
		t.Errorf("vectors not kept in input order: %v", vectors)
	}
	if !errors.Is(errs[1], embedder.ErrNoFaceDetected) {
		t.Errorf("errs[1] = %v, want ErrNoFaceDetected", errs[1])
	}
	if errs[3] == nil {
		t.Error("missing file must report an error")
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		then time.Time
		want string
	}{
		{now.Add(-30 * time.Second), "30s ago"},
		{now.Add(-90 * time.Minute), "1h30m ago"},
		{now.Add(-15 * 24 * time.Hour), "15d ago"},
	}
	for _, tt := range tests {
		if got := formatAge(now, tt.then); got != tt.want {
			t.Errorf("formatAge() = %q, want %q", got, tt.want)
		}
	}
}
