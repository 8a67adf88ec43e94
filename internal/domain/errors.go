package domain

import (
	"errors"
	"net/http"
)

// Stable error codes surfaced to API clients.
const (
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeProviderNotSupported   = "PROVIDER_NOT_SUPPORTED"
	CodeModelNotFound          = "MODEL_NOT_FOUND"
	CodePricingVersionNotFound = "PRICING_VERSION_NOT_FOUND"
	CodeUnsupportedDimension   = "UNSUPPORTED_DIMENSION"
	CodeInternalError          = "INTERNAL_ERROR"
)

// ErrNotFound marks registry lookups that found no provider or model.
var ErrNotFound = errors.New("not found")

// PricingError is a structured domain error. Details must stay safe for
// direct external exposure: no secrets, no stack traces.
type PricingError struct {
	Code       string
	Message    string
	StatusCode int
	Details    map[string]any
}

// Error implements the error interface.
func (e *PricingError) Error() string {
	return e.Code + ": " + e.Message
}

// NewPricingError builds a 400-class pricing error.
func NewPricingError(code, message string, details map[string]any) *PricingError {
	if details == nil {
		details = map[string]any{}
	}
	return &PricingError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

// NewInternalError builds a 500-class pricing error that exposes no
// internal detail to the caller.
func NewInternalError() *PricingError {
	return &PricingError{
		Code:       CodeInternalError,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
		Details:    map[string]any{},
	}
}
