package models

import "net/http"

// ErrorKind is the machine-readable category of a failed caption request
type ErrorKind string

const (
	ErrorKindInvalidInput           ErrorKind = "invalid_input"
	ErrorKindTooLarge               ErrorKind = "too_large"
	ErrorKindTemporarilyUnavailable ErrorKind = "temporarily_unavailable"
	ErrorKindUpstream               ErrorKind = "upstream_error"
	ErrorKindInternal               ErrorKind = "internal_error"
)

// Messages returned to the caller for the fixed failure kinds.
const (
	MessageNoImage      = "No image provided"
	MessageTooLarge     = "Image exceeds maximum upload size"
	MessageModelLoading = "Model is currently loading, please try again in a few moments"
)

// CaptionResult is the outcome of a single caption request: either a caption or a failure.
type CaptionResult struct {
	Caption string

	Kind       ErrorKind
	Message    string
	StatusCode int
}

// Success builds a successful result
func Success(caption string) CaptionResult {
	return CaptionResult{Caption: caption, StatusCode: http.StatusOK}
}

// Failure builds a failed result
func Failure(kind ErrorKind, statusCode int, message string) CaptionResult {
	return CaptionResult{Kind: kind, Message: message, StatusCode: statusCode}
}

// OK reports whether the result carries a caption
func (r CaptionResult) OK() bool {
	return r.Kind == ""
}

// Response converts the result to the JSON body sent back to the caller
func (r CaptionResult) Response() any {
	if r.OK() {
		return CaptionResponse{Success: true, Caption: r.Caption}
	}
	return ErrorResponse{Error: r.Message}
}

// CaptionResponse is the success body of POST /api/process-image
type CaptionResponse struct {
	Success bool   `json:"success"`
	Caption string `json:"caption"`
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}
