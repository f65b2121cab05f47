package localmodel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"image-caption-service/captioner"
	imageprep "image-caption-service/image"

	"github.com/apex/log"
)

// maxResponseBytes bounds how much of a runtime response is read; longer bodies are cut.
const maxResponseBytes = 1 << 20

var errNoChoices = errors.New("model response has no choices")

// Options configures the local model backend.
type Options struct {
	// ServerBinary, ModelPath and MMProjPath describe the runtime to launch.
	// They are ignored when URL is set.
	ServerBinary string
	ModelPath    string
	MMProjPath   string
	Port         int
	GPULayers    int
	ContextSize  int

	// URL attaches to an already running runtime instead of launching one.
	URL string

	MaxTokens        int
	Prompt           string
	Parallel         int
	LoadTimeout      time.Duration
	InferenceTimeout time.Duration
	MaxImageDim      int
	MaxPixels        int64
}

type imageURL struct {
	URL string `json:"url"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Client captions images with a vision-language model running on this host.
type Client struct {
	baseURL          string
	http             *http.Client
	slots            chan struct{}
	maxTokens        int
	prompt           string
	maxImageDim      int
	maxPixels        int64
	inferenceTimeout time.Duration
	runtime          *Runtime
}

// NewClient launches (or attaches to) the model runtime and blocks until the weights are
// loaded. An error means the backend can never serve requests.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}

	c := &Client{
		baseURL:          strings.TrimRight(opts.URL, "/"),
		http:             &http.Client{},
		slots:            make(chan struct{}, opts.Parallel),
		maxTokens:        opts.MaxTokens,
		prompt:           opts.Prompt,
		maxImageDim:      opts.MaxImageDim,
		maxPixels:        opts.MaxPixels,
		inferenceTimeout: opts.InferenceTimeout,
	}

	var exited <-chan struct{}
	if c.baseURL == "" {
		c.runtime = NewRuntime(opts)
		if err := c.runtime.Start(); err != nil {
			return nil, err
		}
		c.baseURL = c.runtime.URL()
		exited = c.runtime.Exited()
	}

	loadCtx := ctx
	if opts.LoadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, opts.LoadTimeout)
		defer cancel()
	}

	start := time.Now()
	if err := waitReady(loadCtx, c.http, c.baseURL, exited); err != nil {
		c.Close()
		return nil, err
	}
	log.Infof("Local model ready at %s after %s", c.baseURL, time.Since(start).Round(time.Millisecond))

	return c, nil
}

// Name labels this backend in logs, metrics and /health.
func (c *Client) Name() string {
	return "local"
}

// Caption decodes and normalizes the image, then runs one inference. At most Parallel
// inferences run at once; the rest wait for a free slot.
func (c *Client) Caption(ctx context.Context, img captioner.Image) (string, error) {
	prepared, err := imageprep.Prepare(img.Data, c.maxImageDim, c.maxPixels)
	if err != nil {
		return "", err
	}

	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for model slot: %w", ctx.Err())
	}
	defer func() { <-c.slots }()

	if c.inferenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.inferenceTimeout)
		defer cancel()
	}

	return c.complete(ctx, prepared)
}

func (c *Client) complete(ctx context.Context, jpegData []byte) (string, error) {
	reqBody := chatRequest{
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: c.prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegData)}},
			},
		}},
		MaxTokens:   c.maxTokens,
		Temperature: 0.1,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read inference response: %w", err)
	}
	if len(body) > maxResponseBytes {
		log.Warnf("Model runtime response is larger than %d bytes, truncating", maxResponseBytes)
		body = body[:maxResponseBytes]
	}

	log.Debugf("Local inference finished with status %d in %s", resp.StatusCode, time.Since(start))

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return "", captioner.ErrModelLoading
	default:
		return "", &captioner.UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("failed to parse inference response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", errNoChoices
	}
	return chatResp.Choices[0].Message.Content, nil
}

// Close stops the runtime if this client launched it.
func (c *Client) Close() {
	if c.runtime != nil {
		c.runtime.Stop()
	}
}
