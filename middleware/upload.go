package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MaxUploadSize caps the request body at limit bytes. A limit of zero or less disables the cap.
// Reads past the cap fail with *http.MaxBytesError.
func MaxUploadSize(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
