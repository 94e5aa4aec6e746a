// Package faceclient calls the external face-detection service. The service
// is the only component that understands images; this backend treats it as
// a black box that maps a photo to zero or more face embeddings.
package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// ErrBadImage is returned when the service rejects the upload as
// undecodable or otherwise malformed.
var ErrBadImage = errors.New("faceclient: unprocessable image")

// Face is one detected face.
type Face struct {
	Embedding []float32 `json:"embedding"`
	Score     float64   `json:"score"`
}

// Client calls the face detection microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set, Detect returns a fixed stub face so
// the rest of the stack can run without the detection service.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // detection can be slow on CPU
		},
	}
}

// Detect uploads an image and returns every face found in it. An image with
// no faces yields an empty slice, not an error.
func (c *Client) Detect(ctx context.Context, image []byte) ([]Face, error) {
	if c.Skip {
		return []Face{{Embedding: []float32{0.1, 0.2, 0.3}, Score: 0.95}}, nil
	}
	if len(image) == 0 {
		return nil, ErrBadImage
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(image); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/detect", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, ErrBadImage
	}
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(body))
	}

	var out struct {
		Faces []Face `json:"faces"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Faces, nil
}

// Healthy probes the service. Used once at startup and by /healthz.
func (c *Client) Healthy(ctx context.Context) bool {
	if c.Skip {
		return true
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}
