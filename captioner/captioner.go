package captioner

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"image-caption-service/models"
)

// Backend abstracts a captioning model provider.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Caption returns a natural-language description of the image.
	Caption(ctx context.Context, img Image) (string, error)
	// Name returns a short provider label for logs and health output (e.g. "huggingface").
	Name() string
}

// Image is an uploaded image as received from the caller. Data holds the encoded bytes;
// backends that need pixels decode it themselves.
type Image struct {
	Data        []byte
	Filename    string
	ContentType string
}

// ErrModelLoading is returned while the model behind a backend is still warming up.
var ErrModelLoading = errors.New("model is loading")

// UpstreamError is an explicit error status reported by the model provider.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// Classify maps a backend error to the failure reported to the caller.
func Classify(err error) models.CaptionResult {
	if errors.Is(err, ErrModelLoading) {
		return models.Failure(models.ErrorKindTemporarilyUnavailable, http.StatusServiceUnavailable, models.MessageModelLoading)
	}

	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		status := upstreamErr.StatusCode
		if status < 400 || status > 599 {
			// non-error upstream statuses are not passed through with an error body
			status = http.StatusBadGateway
		}
		return models.Failure(models.ErrorKindUpstream, status, "Error processing image: "+upstreamErr.Body)
	}

	return models.Failure(models.ErrorKindInternal, http.StatusInternalServerError, err.Error())
}
