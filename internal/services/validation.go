package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	if validationErr != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(validationErr, &fieldErrs) {
			errorResp.Details = make(map[string]string)
			for _, err := range fieldErrs {
				errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
			}
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// SendServiceError maps a service failure onto the HTTP response:
// logic failures (bad amount, self transfer, insufficient funds) are
// client errors, conflicts are 409, everything else is a 500 whose
// cause is logged but never leaked to the client.
func SendServiceError(w http.ResponseWriter, err error) {
	var insufficient *InsufficientFundsError
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidTransfer):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.As(err, &insufficient):
		SendErrorResponse(w, insufficient.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrAccountNotFound):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, ErrConflict):
		SendErrorResponse(w, "Transfer conflicted, please retry", http.StatusConflict, nil)
	default:
		log.Error().Err(err).Msg("Request failed")
		SendErrorResponse(w, "Internal Server Error", http.StatusInternalServerError, nil)
	}
}
