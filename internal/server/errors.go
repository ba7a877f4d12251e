package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/textbook-forge/internal/artifacts"
	"github.com/jonathan/textbook-forge/internal/runstate"
	"github.com/jonathan/textbook-forge/internal/workflows"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrUnauthorized indicates a missing or rejected credential.
type ErrUnauthorized struct {
	Reason string
	Cause  error
}

func (e *ErrUnauthorized) Error() string {
	return "unauthorized: " + e.Reason
}

func (e *ErrUnauthorized) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		validation   *ErrValidation
		fields       validator.ValidationErrors
		badName      *artifacts.InvalidNameError
		missing      *artifacts.NotFoundError
		unauthorized *ErrUnauthorized
	)
	switch {
	case errors.Is(err, runstate.ErrNotFound), errors.Is(err, workflows.ErrNotFound), errors.As(err, &missing):
		return http.StatusNotFound
	case errors.As(err, &validation), errors.As(err, &fields), errors.As(err, &badName):
		return http.StatusBadRequest
	case errors.Is(err, runstate.ErrInvalidTransition):
		return http.StatusConflict
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// validationError converts validator field errors to an ErrValidation naming
// the first failing field.
func validationError(err error) error {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return &ErrValidation{Message: err.Error()}
	}
	fe := fields[0]
	msg := "failed on " + fe.Tag()
	if fe.Param() != "" {
		msg += "=" + fe.Param()
	}
	return &ErrValidation{Field: fe.Field(), Message: msg}
}
