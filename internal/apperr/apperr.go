// Package apperr defines the error taxonomy shared by the HTTP surface and the
// detection pipeline, and sanitizes error text before it reaches callers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeValidation     Code = "validation_error"
	CodePersistence    Code = "persistence_error"
	CodeBusUnavailable Code = "bus_unavailable"
	CodeNotFound       Code = "not_found"
	CodeInternal       Code = "internal_error"
)

// Error carries a code alongside the wrapped cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap attaches a code and context to an underlying error.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// Validation builds a validation error (4xx, no side effects).
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFound builds a not-found error for the given entity.
func NotFound(entity string) *Error {
	return &Error{Code: CodeNotFound, Msg: entity + " not found"}
}

// CodeOf extracts the code from err, defaulting to internal_error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps a code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodePersistence, CodeBusUnavailable, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

var (
	// Pattern to match file paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	// Pattern to match IP addresses
	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Pattern to match connection strings and credentials
	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|pq:|database:|connection string|password=|secret=|token=|api[_-]?key=)`)
)

// ProductionMode determines whether error text is sanitized before leaving the
// process. Set during application initialization.
var ProductionMode = false

// SanitizeString removes sensitive information from a string in production mode.
func SanitizeString(s string) string {
	if !ProductionMode {
		return s
	}

	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		if len(parts) == 4 {
			return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
		}
		return "x.x.x.x"
	})

	if internalErrorPattern.MatchString(s) {
		s = "storage operation failed"
	}

	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		s = "internal error - operation failed"
	}

	return s
}

// PublicMessage returns the caller-safe message for err. Validation and
// not-found messages pass through; everything else is sanitized.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	switch CodeOf(err) {
	case CodeValidation, CodeNotFound:
		return err.Error()
	default:
		return SanitizeString(err.Error())
	}
}
