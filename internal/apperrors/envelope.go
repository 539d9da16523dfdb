package apperrors

import (
	"net/http"
	"time"
)

// ValidationIssue is one field-level problem in a rejected request.
type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Envelope is the JSON body returned for every error response.
type Envelope struct {
	Timestamp         string                 `json:"timestamp"`
	Status            int                    `json:"status"`
	Error             string                 `json:"error"`
	Message           string                 `json:"message"`
	Path              string                 `json:"path"`
	CorrelationID     string                 `json:"correlationId,omitempty"`
	ValidationErrors  []ValidationIssue      `json:"validationErrors,omitempty"`
	AdditionalDetails map[string]interface{} `json:"additionalDetails,omitempty"`
}

// NewEnvelope builds the response body for an AppError on a given request
// path.
func NewEnvelope(err *AppError, path string) *Envelope {
	return &Envelope{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Status:        err.HTTPStatus,
		Error:         http.StatusText(err.HTTPStatus),
		Message:       err.Message,
		Path:          path,
		CorrelationID: err.CorrelationID,
	}
}
