package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"

	"image-caption-service/captioner"
	"image-caption-service/metrics"
	"image-caption-service/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeBackend struct {
	name    string
	caption func(img captioner.Image) (string, error)
	calls   atomic.Int32
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Caption(ctx context.Context, img captioner.Image) (string, error) {
	f.calls.Add(1)
	return f.caption(img)
}

func newFake(name string, caption func(img captioner.Image) (string, error)) *fakeBackend {
	return &fakeBackend{name: name, caption: caption}
}

var pixel = captioner.Image{Data: []byte("\x89PNG\r\n\x1a\n1x1"), Filename: "pixel.png", ContentType: "image/png"}

func TestHandle(t *testing.T) {
	testCases := []struct {
		name        string
		caption     string
		err         error
		wantOK      bool
		wantCaption string
		wantKind    models.ErrorKind
		wantStatus  int
		wantMessage string
	}{
		{
			name:        "success",
			caption:     "a blank image",
			wantOK:      true,
			wantCaption: "a blank image",
			wantStatus:  http.StatusOK,
		},
		{
			name:        "caption is returned verbatim",
			caption:     "  a  blank\nimage  ",
			wantOK:      true,
			wantCaption: "  a  blank\nimage  ",
			wantStatus:  http.StatusOK,
		},
		{
			name:        "empty caption",
			caption:     "",
			wantOK:      true,
			wantCaption: "",
			wantStatus:  http.StatusOK,
		},
		{
			name:        "model loading",
			err:         captioner.ErrModelLoading,
			wantKind:    models.ErrorKindTemporarilyUnavailable,
			wantStatus:  http.StatusServiceUnavailable,
			wantMessage: models.MessageModelLoading,
		},
		{
			name:        "upstream error",
			err:         &captioner.UpstreamError{StatusCode: http.StatusUnauthorized, Body: "Invalid credentials in Authorization header"},
			wantKind:    models.ErrorKindUpstream,
			wantStatus:  http.StatusUnauthorized,
			wantMessage: "Error processing image: Invalid credentials in Authorization header",
		},
		{
			name:        "timeout",
			err:         fmt.Errorf("huggingface request failed: %w", context.DeadlineExceeded),
			wantKind:    models.ErrorKindInternal,
			wantStatus:  http.StatusInternalServerError,
			wantMessage: "huggingface request failed: context deadline exceeded",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			backend := newFake("fake", func(captioner.Image) (string, error) {
				return testCase.caption, testCase.err
			})

			result := NewService(backend).Handle(context.Background(), pixel)

			assert.Equal(t, int32(1), backend.calls.Load())
			assert.Equal(t, testCase.wantOK, result.OK())
			assert.Equal(t, testCase.wantStatus, result.StatusCode)
			if testCase.wantOK {
				assert.Equal(t, testCase.wantCaption, result.Caption)
				assert.Equal(t, models.CaptionResponse{Success: true, Caption: testCase.wantCaption}, result.Response())
			} else {
				assert.Equal(t, testCase.wantKind, result.Kind)
				assert.Equal(t, testCase.wantMessage, result.Message)
				assert.Equal(t, models.ErrorResponse{Error: testCase.wantMessage}, result.Response())
			}
		})
	}
}

func TestHandleIsIdempotent(t *testing.T) {
	backend := newFake("deterministic", func(img captioner.Image) (string, error) {
		return fmt.Sprintf("an image of %d bytes", len(img.Data)), nil
	})
	svc := NewService(backend)

	first := svc.Handle(context.Background(), pixel)
	second := svc.Handle(context.Background(), pixel)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(2), backend.calls.Load())
}

func TestHandleRecordsMetrics(t *testing.T) {
	backend := newFake("metrics-test", func(captioner.Image) (string, error) {
		return "", errors.New("boom")
	})
	svc := NewService(backend)

	svc.Handle(context.Background(), pixel)
	svc.Handle(context.Background(), pixel)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CaptionRequestsTotal.WithLabelValues("metrics-test", string(models.ErrorKindInternal))))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.BackendInFlight.WithLabelValues("metrics-test")))
	assert.Equal(t, "metrics-test", svc.BackendName())
}

func TestHandleRecoversFromPanickingBackend(t *testing.T) {
	backend := newFake("panicky", func(captioner.Image) (string, error) {
		panic("tensor shape mismatch")
	})

	result := NewService(backend).Handle(context.Background(), pixel)

	assert.False(t, result.OK())
	assert.Equal(t, models.ErrorKindInternal, result.Kind)
	assert.Equal(t, http.StatusInternalServerError, result.StatusCode)
	assert.Equal(t, models.ErrorResponse{Error: "captioning backend panicked: tensor shape mismatch"}, result.Response())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.BackendInFlight.WithLabelValues("panicky")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CaptionRequestsTotal.WithLabelValues("panicky", string(models.ErrorKindInternal))))
}
