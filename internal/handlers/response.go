package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Brownie44l1/fp-stamp/internal/apperr"
	"github.com/Brownie44l1/fp-stamp/internal/dataset"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// SuccessResponse wraps every JSON success body.
type SuccessResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// ErrorResponse wraps every JSON error body.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, message string, data any) {
	writeJSON(w, http.StatusOK, SuccessResponse{Status: statusSuccess, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, code int, message, detail string) {
	writeJSON(w, code, ErrorResponse{Status: statusError, Message: message, Detail: detail})
}

// statusFor maps an error to an HTTP status and a client-facing message.
func statusFor(err error) (int, string) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge, "Upload too large"
	}
	switch apperr.KindOf(err) {
	case apperr.KindDecode:
		return http.StatusBadRequest, "Invalid image. Supported: JPEG, PNG, GIF"
	case apperr.KindArchive:
		return http.StatusBadRequest, "Invalid zip archive"
	case apperr.KindValidation:
		if apperr.OpOf(err) == dataset.OpValidate {
			return http.StatusBadRequest, "No usable images"
		}
		return http.StatusBadRequest, "Invalid request"
	case apperr.KindModelUnavailable:
		return http.StatusServiceUnavailable, "Model unavailable"
	case apperr.KindInference:
		return http.StatusInternalServerError, "Fingerprinting failed"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}
