// Package apperrors defines the typed error hierarchy shared by every
// service layer and its projection onto HTTP responses.
package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// AppError is the base of the error hierarchy. Every domain error carries a
// stable machine code, the HTTP status it maps to, and optional details for
// the response body.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails attaches response details and returns the error for chaining.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func newError(code string, status int, message string) *AppError {
	return &AppError{Code: code, Status: status, Message: message}
}

// Validation — input malformed → 400.
func Validation(message string) *AppError {
	return newError("VALIDATION_ERROR", http.StatusBadRequest, message)
}

// Unauthorized — no session → 401.
func Unauthorized(message string) *AppError {
	return newError("UNAUTHORIZED", http.StatusUnauthorized, message)
}

// Forbidden — session present, action not permitted → 403.
func Forbidden(message string) *AppError {
	return newError("FORBIDDEN", http.StatusForbidden, message)
}

// NotFound — target does not exist → 404.
func NotFound(message string) *AppError {
	return newError("NOT_FOUND", http.StatusNotFound, message)
}

// Conflict — precondition failed → 409.
func Conflict(message string) *AppError {
	return newError("CONFLICT", http.StatusConflict, message)
}

// Gone — target existed but was tombstoned → 410.
func Gone(message string) *AppError {
	return newError("GONE", http.StatusGone, message)
}

// Idempotency — a pending record could not be reconciled → 409.
func Idempotency(message string) *AppError {
	return newError("IDEMPOTENCY_PENDING", http.StatusConflict, message)
}

// RevisionConflict — uniqueness race on supersedesId → 409.
func RevisionConflict(message string) *AppError {
	return newError("REVISION_CONFLICT", http.StatusConflict, message)
}

// Graph — unexpected graph adapter failure → 500.
func Graph(message string, err error) *AppError {
	e := newError("GRAPH_ERROR", http.StatusInternalServerError, message)
	e.Err = err
	return e
}

// Internal — any other unexpected failure → 500.
func Internal(message string, err error) *AppError {
	e := newError("INTERNAL_ERROR", http.StatusInternalServerError, message)
	e.Err = err
	return e
}

// IsCode reports whether err is an AppError with the given code.
func IsCode(err error, code string) bool {
	var ae *AppError
	return errors.As(err, &ae) && ae.Code == code
}

// StatusOf returns the HTTP status an error maps to, defaulting to 500.
func StatusOf(err error) int {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteError projects an error onto the HTTP response. Unrecognized errors
// are masked as 500 with a generic message; the caller is responsible for
// logging them with operation context.
func WriteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var ae *AppError
	if errors.As(err, &ae) {
		w.WriteHeader(ae.Status)
		json.NewEncoder(w).Encode(errorBody{
			Error:   ae.Message,
			Code:    ae.Code,
			Details: ae.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(errorBody{
		Error: "Internal server error",
		Code:  "INTERNAL_ERROR",
	})
}
