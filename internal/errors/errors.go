// Package errors defines the OrbitMesh error taxonomy: a closed set of
// kinds (not Go types) that every component-level error is tagged
// with, so callers can branch on "what kind of failure" without
// depending on a specific package's error type.
package errors

import (
	"fmt"
	"log"
	"net/http"
)

type Kind string

const (
	InvalidDefinition  Kind = "INVALID_DEFINITION"
	DefinitionNotFound Kind = "DEFINITION_NOT_FOUND"
	InstanceNotFound   Kind = "INSTANCE_NOT_FOUND"
	ExpressionParseErr Kind = "EXPRESSION_PARSE_ERROR"
	ExpressionTypeErr  Kind = "EXPRESSION_TYPE_ERROR"
	StepTimeout        Kind = "STEP_TIMEOUT"
	StepFailed         Kind = "STEP_FAILED"
	AgentUnavailable   Kind = "AGENT_UNAVAILABLE"
	AgentBusy          Kind = "AGENT_BUSY"
	AuthFailed         Kind = "AUTH_FAILED"
	ProtocolViolation  Kind = "PROTOCOL_VIOLATION"
	StoreConflict      Kind = "STORE_CONFLICT"
	Cancelled          Kind = "CANCELLED"
	Internal           Kind = "INTERNAL"
)

// httpStatus maps each kind to the HTTP status the thin control
// surface reports it as, per spec §7: 404 for not-found kinds, 400 for
// invalid definitions, expression errors and protocol violations, 401
// for auth failures, 503 for agent unavailability, 409 for conflicting
// transitions and cancellation, 500 otherwise.
var httpStatus = map[Kind]int{
	InvalidDefinition:  http.StatusBadRequest,
	DefinitionNotFound: http.StatusNotFound,
	InstanceNotFound:   http.StatusNotFound,
	ExpressionParseErr: http.StatusBadRequest,
	ExpressionTypeErr:  http.StatusBadRequest,
	StepTimeout:        http.StatusInternalServerError,
	StepFailed:         http.StatusInternalServerError,
	AgentUnavailable:   http.StatusServiceUnavailable,
	AgentBusy:          http.StatusServiceUnavailable,
	AuthFailed:         http.StatusUnauthorized,
	ProtocolViolation:  http.StatusBadRequest,
	StoreConflict:      http.StatusConflict,
	Cancelled:          http.StatusConflict,
	Internal:           http.StatusInternalServerError,
}

// AppError is the single error type every OrbitMesh component returns
// for a taxonomy-classified failure. Plain Go errors (os, io, ...) are
// wrapped into one via Wrap before crossing a component boundary.
type AppError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus returns the status code the REST handlers and the error
// middleware report for e.
func (e *AppError) HTTPStatus() int {
	if code, ok := httpStatus[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags a plain error with a taxonomy kind, preserving its text as
// Details so the original failure is still visible in logs.
func Wrap(kind Kind, message string, err error) *AppError {
	if err == nil {
		return New(kind, message)
	}
	return &AppError{Kind: kind, Message: message, Details: err.Error()}
}

// Is reports whether err is an *AppError of the given kind.
func Is(err error, kind Kind) bool {
	ae, ok := err.(*AppError)
	return ok && ae.Kind == kind
}

func LogError(err error, context string) {
	if ae, ok := err.(*AppError); ok {
		log.Printf("[ERROR] %s: %s (kind=%s)", context, ae.Message, ae.Kind)
		if ae.Details != "" {
			log.Printf("[ERROR] details: %s", ae.Details)
		}
		return
	}
	log.Printf("[ERROR] %s: %v", context, err)
}
