package service

import (
	"context"
	"fmt"
	"time"

	"image-caption-service/captioner"
	"image-caption-service/metrics"
	"image-caption-service/models"

	"github.com/apex/log"
)

// Service turns an uploaded image into a caption result using a single backend.
// It keeps no per-request state.
type Service struct {
	backend captioner.Backend
}

// NewService creates the caption service around an initialized backend
func NewService(backend captioner.Backend) *Service {
	return &Service{backend: backend}
}

// BackendName returns the label of the wired backend
func (s *Service) BackendName() string {
	return s.backend.Name()
}

// Handle captions one image. The caller has already checked that an image was provided.
// The logger is taken from ctx (see log.NewContext).
func (s *Service) Handle(ctx context.Context, img captioner.Image) models.CaptionResult {
	logger := log.FromContext(ctx).WithFields(log.Fields{
		"backend":     s.backend.Name(),
		"image_bytes": len(img.Data),
		"filename":    img.Filename,
	})
	metrics.ImageBytes.Observe(float64(len(img.Data)))

	start := time.Now()
	caption, err := s.caption(ctx, img)
	elapsed := time.Since(start)

	var result models.CaptionResult
	if err != nil {
		result = captioner.Classify(err)
		logger.WithFields(log.Fields{
			"kind":        result.Kind,
			"status":      result.StatusCode,
			"duration_ms": elapsed.Milliseconds(),
		}).WithError(err).Error("caption.request.failed")
	} else {
		result = models.Success(caption)
		logger.WithFields(log.Fields{
			"duration_ms": elapsed.Milliseconds(),
			"caption_len": len(caption),
		}).Info("caption.request.success")
	}

	s.record(result, elapsed)
	return result
}

// caption runs the backend call. A panicking backend is reported as an error so the
// caller still gets a JSON failure.
func (s *Service) caption(ctx context.Context, img captioner.Image) (caption string, err error) {
	inFlight := metrics.BackendInFlight.WithLabelValues(s.backend.Name())
	inFlight.Inc()
	defer inFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			caption = ""
			err = fmt.Errorf("captioning backend panicked: %v", r)
		}
	}()

	return s.backend.Caption(ctx, img)
}

func (s *Service) record(result models.CaptionResult, elapsed time.Duration) {
	label := "success"
	if !result.OK() {
		label = string(result.Kind)
	}
	metrics.CaptionRequestsTotal.WithLabelValues(s.backend.Name(), label).Inc()
	metrics.BackendDurationSeconds.WithLabelValues(s.backend.Name(), label).Observe(elapsed.Seconds())
}
