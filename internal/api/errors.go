package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/dunamismax/cutout/internal/segment"
)

// apiError is the JSON error envelope {success:false, error, code, details}.
type apiError struct {
	Status  int    `json:"-"`
	Success bool   `json:"success"`
	Message string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func (e *apiError) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

func newAPIError(status int, code, message string) *apiError {
	return &apiError{Status: status, Code: code, Message: message}
}

func (e *apiError) withDetails(details string) *apiError {
	e.Details = details
	return e
}

// fromPipelineError maps a pipeline failure onto a status and code.
func fromPipelineError(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "TIMEOUT", "Request cancelled").withDetails(err.Error())
	}

	switch segment.KindOf(err) {
	case segment.KindInvalidInput:
		return newAPIError(http.StatusBadRequest, "INVALID_INPUT", "Invalid image").withDetails(err.Error())
	case segment.KindUnsupportedFormat:
		return newAPIError(http.StatusUnsupportedMediaType, "UNSUPPORTED_FORMAT", "Unsupported image format").withDetails(err.Error())
	case segment.KindPayloadTooLarge:
		return newAPIError(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Image too large").withDetails(err.Error())
	case segment.KindResourceExhausted:
		return newAPIError(http.StatusInsufficientStorage, "MEMORY_LIMIT", "Out of memory - try a smaller image").withDetails(err.Error())
	case segment.KindModelUnavailable:
		return newAPIError(http.StatusServiceUnavailable, "MODEL_UNAVAILABLE", "Segmentation model unavailable").withDetails(err.Error())
	case segment.KindInferenceFailure:
		return newAPIError(http.StatusInternalServerError, "INFERENCE_FAILED", "Background removal failed").withDetails(err.Error())
	case segment.KindEncodingFailure:
		return newAPIError(http.StatusInternalServerError, "ENCODING_FAILED", "Could not encode result").withDetails(err.Error())
	default:
		return newAPIError(http.StatusInternalServerError, "INTERNAL_ERROR", "Processing failed").withDetails(err.Error())
	}
}

func writeError(w http.ResponseWriter, err *apiError) {
	writeJSON(w, err.Status, err)
}
