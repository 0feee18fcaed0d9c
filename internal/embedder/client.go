// Package embedder talks to the external face embedding server, which
// detects faces in an image and returns one embedding per face.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const defaultURL = "http://localhost:8000"

var (
	// ErrNoFaceDetected means the image contained no face.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrInvalidImage means the image could not be decoded.
	ErrInvalidImage = errors.New("invalid image")
)

// Embedder maps an image to a face embedding.
type Embedder interface {
	Embed(ctx context.Context, image []byte) ([]float32, error)
}

// Client computes face embeddings using the embedding server.
type Client struct {
	baseURL      string
	maxImageSize int
	client       *http.Client
}

// NewClient creates a client. Images larger than maxImageSize pixels on their
// longest side are downscaled before upload; 0 disables downscaling.
func NewClient(baseURL string, maxImageSize int) *Client {
	if baseURL == "" {
		baseURL = defaultURL
	}
	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		maxImageSize: maxImageSize,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// FaceDetection represents a single detected face
type FaceDetection struct {
	FaceIndex int       `json:"face_index"`
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	BBox      []float64 `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64   `json:"det_score"`
}

// FaceResponse represents the response from the face embedding endpoint
type FaceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []FaceDetection `json:"faces"`
	Model      string          `json:"model"`
}

// Embed returns the embedding of the first face found in image.
func (c *Client) Embed(ctx context.Context, image []byte) ([]float32, error) {
	resp, err := c.DetectFaces(ctx, image)
	if err != nil {
		return nil, err
	}
	for _, face := range resp.Faces {
		if len(face.Embedding) > 0 {
			return face.Embedding, nil
		}
	}
	return nil, ErrNoFaceDetected
}

// DetectFaces posts image to the face endpoint and returns every detection.
func (c *Client) DetectFaces(ctx context.Context, image []byte) (*FaceResponse, error) {
	data, err := Downscale(image, c.maxImageSize)
	if err != nil {
		return nil, err
	}

	body, status, err := c.postMultipartImage(ctx, "/embed/face", data)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusUnprocessableEntity:
		return nil, ErrNoFaceDetected
	case status != http.StatusOK:
		return nil, fmt.Errorf("API error (status %d): %s", status, string(body))
	}

	var faceResp FaceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(faceResp.Faces) == 0 {
		return nil, ErrNoFaceDetected
	}
	return &faceResp, nil
}

// postMultipartImage posts the image as the multipart field "file".
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, int, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image.jpg"`)
	h.Set("Content-Type", http.DetectContentType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, 0, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, 0, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
