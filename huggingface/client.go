package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"image-caption-service/captioner"

	"github.com/apex/log"
)

// maxResponseBytes bounds how much of an upstream body is read. Longer bodies are cut
// and the cut is logged.
const maxResponseBytes = 1 << 20

var errNoCaption = errors.New("no generated_text in upstream response")

type generatedText struct {
	GeneratedText *string `json:"generated_text"`
}

// Client calls the hosted Hugging Face inference API for an image-to-text model.
type Client struct {
	apiKey   string
	modelURL string
	http     *http.Client
}

// NewClient creates a client for the hosted model at modelURL.
func NewClient(apiKey, modelURL string, timeout time.Duration) *Client {
	return &Client{
		apiKey:   apiKey,
		modelURL: modelURL,
		http:     &http.Client{Timeout: timeout},
	}
}

// Name labels this backend in logs, metrics and /health.
func (c *Client) Name() string {
	return "huggingface"
}

// Caption posts the raw image bytes to the model endpoint.
func (c *Client) Caption(ctx context.Context, img captioner.Image) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.modelURL, bytes.NewReader(img.Data))
	if err != nil {
		return "", fmt.Errorf("failed to create huggingface request: %w", err)
	}

	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	log.Debugf("Making request to Hugging Face API with image size: %d bytes", len(img.Data))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("huggingface request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read huggingface response: %w", err)
	}

	log.Debugf("Response Status: %d", resp.StatusCode)

	switch resp.StatusCode {
	case http.StatusOK:
		return parseCaption(body)
	case http.StatusServiceUnavailable:
		log.Info("Model is loading, please wait...")
		return "", captioner.ErrModelLoading
	default:
		log.Errorf("Error from API: %s", string(body))
		return "", &captioner.UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}

func readBody(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseBytes {
		log.Warnf("Hugging Face response is larger than %d bytes, truncating", maxResponseBytes)
		body = body[:maxResponseBytes]
	}
	return body, nil
}

// parseCaption accepts the shapes the inference API returns for image-to-text models:
// a list whose first element has generated_text, a single such object, or a bare string.
// The caption is returned exactly as the model produced it.
func parseCaption(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", errors.New("failed to parse huggingface response: empty body")
	}

	switch trimmed[0] {
	case '[':
		var results []generatedText
		if err := json.Unmarshal(trimmed, &results); err != nil {
			return "", fmt.Errorf("failed to parse huggingface response: %w", err)
		}
		if len(results) == 0 || results[0].GeneratedText == nil {
			return "", errNoCaption
		}
		return *results[0].GeneratedText, nil
	case '{':
		var result generatedText
		if err := json.Unmarshal(trimmed, &result); err != nil {
			return "", fmt.Errorf("failed to parse huggingface response: %w", err)
		}
		if result.GeneratedText == nil {
			return "", errNoCaption
		}
		return *result.GeneratedText, nil
	default:
		var caption string
		if err := json.Unmarshal(trimmed, &caption); err != nil {
			return "", fmt.Errorf("failed to parse huggingface response: %w", err)
		}
		return caption, nil
	}
}
