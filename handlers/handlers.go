package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"image-caption-service/captioner"
	"image-caption-service/models"
	"image-caption-service/service"
	"image-caption-service/version"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
)

// ServiceName is reported by the health and version endpoints
const ServiceName = "image-caption-service"

// ImageField is the multipart field carrying the upload
const ImageField = "image"

// CaptionHandler serves the caption API
type CaptionHandler struct {
	service *service.Service
}

// NewCaptionHandler creates the handler around a caption service
func NewCaptionHandler(svc *service.Service) *CaptionHandler {
	return &CaptionHandler{service: svc}
}

// HealthCheck returns service health status
func (h *CaptionHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": ServiceName,
		"backend": h.service.BackendName(),
	})
}

// Version returns build information
func (h *CaptionHandler) Version(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get(ServiceName))
}

// ProcessImage captions the image uploaded in the "image" multipart field
func (h *CaptionHandler) ProcessImage(c *gin.Context) {
	logger := log.FromContext(c.Request.Context())

	fileHeader, err := c.FormFile(ImageField)
	if err != nil {
		if isTooLarge(err) {
			logger.WithError(err).Warn("caption.request.too_large")
			respond(c, models.Failure(models.ErrorKindTooLarge, http.StatusRequestEntityTooLarge, models.MessageTooLarge))
			return
		}
		logger.WithError(err).Warn("caption.request.no_image")
		respond(c, models.Failure(models.ErrorKindInvalidInput, http.StatusBadRequest, models.MessageNoImage))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		logger.WithError(err).Error("Failed to open uploaded image")
		respond(c, models.Failure(models.ErrorKindInternal, http.StatusInternalServerError, err.Error()))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		logger.WithError(err).Error("Failed to read uploaded image")
		respond(c, models.Failure(models.ErrorKindInternal, http.StatusInternalServerError, err.Error()))
		return
	}

	// The backend call runs to completion or its own timeout even if the client goes away.
	result := h.service.Handle(context.WithoutCancel(c.Request.Context()), captioner.Image{
		Data:        data,
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
	})
	respond(c, result)
}

func respond(c *gin.Context, result models.CaptionResult) {
	c.JSON(result.StatusCode, result.Response())
}

func isTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
