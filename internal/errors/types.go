// Package errors defines the structured error taxonomy shared by the stencil
// compiler, engine and host surfaces.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeNotFound            ErrorType = "not_found"
	ErrorTypeUnresolvedReference ErrorType = "unresolved_reference"
	ErrorTypeCycle               ErrorType = "cycle"
	ErrorTypeExpansionLimit      ErrorType = "expansion_limit"
	ErrorTypeTransientIO         ErrorType = "transient_io"
	ErrorTypeMalformedOutput     ErrorType = "malformed_output"
	ErrorTypeIO                  ErrorType = "io"
	ErrorTypeConfig              ErrorType = "config"
	ErrorTypeValidation          ErrorType = "validation"
	ErrorTypeInternal            ErrorType = "internal"
)

// Error codes used across packages.
const (
	CodeViewNotFound      = "VIEW_NOT_FOUND"
	CodeMasterNotFound    = "MASTER_NOT_FOUND"
	CodePartialNotFound   = "PARTIAL_NOT_FOUND"
	CodeIncludeCycle      = "INCLUDE_CYCLE"
	CodeExpansionLimit    = "EXPANSION_LIMIT"
	CodeFileLocked        = "FILE_LOCKED"
	CodeLoadFailed        = "LOAD_FAILED"
	CodeUnbalancedMarkup  = "UNBALANCED_MARKUP"
	CodeSnapshotCodec     = "SNAPSHOT_CODEC"
	CodeInvalidConfig     = "INVALID_CONFIG"
)

// Type-only sentinels for errors.Is comparisons.
var (
	ErrNotFound            = &StencilError{Type: ErrorTypeNotFound}
	ErrUnresolvedReference = &StencilError{Type: ErrorTypeUnresolvedReference}
	ErrCycle               = &StencilError{Type: ErrorTypeCycle}
	ErrExpansionLimit      = &StencilError{Type: ErrorTypeExpansionLimit}
	ErrTransientIO         = &StencilError{Type: ErrorTypeTransientIO}
	ErrMalformedOutput     = &StencilError{Type: ErrorTypeMalformedOutput}
)

// StencilError is a structured error type with context.
type StencilError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Key         string
	FilePath    string
	Line        int
	Recoverable bool
}

// Error implements the error interface.
func (e *StencilError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Key != "" {
		parts = append(parts, "view:"+e.Key)
	}

	if e.FilePath != "" {
		location := e.FilePath
		if e.Line > 0 {
			location += fmt.Sprintf(":%d", e.Line)
		}
		parts = append(parts, location)
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *StencilError) Unwrap() error {
	return e.Cause
}

// Is matches on Type, and on Code when the target carries one. This lets the
// type-only sentinels match any error of their category.
func (e *StencilError) Is(target error) bool {
	var t *StencilError
	if !errors.As(target, &t) {
		return false
	}
	if e.Type != t.Type {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// WithContext adds context information to the error.
func (e *StencilError) WithContext(key string, value interface{}) *StencilError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithLocation adds file location information.
func (e *StencilError) WithLocation(filePath string, line int) *StencilError {
	e.FilePath = filePath
	e.Line = line

	return e
}

// WithKey records the view key the error concerns.
func (e *StencilError) WithKey(key string) *StencilError {
	e.Key = key

	return e
}

// Error creation functions

// NewNotFoundError creates an error for a view key that is not in the store.
func NewNotFoundError(key string) *StencilError {
	return &StencilError{
		Type:        ErrorTypeNotFound,
		Code:        CodeViewNotFound,
		Message:     "no template registered under this key",
		Key:         key,
		Recoverable: false,
	}
}

// NewUnresolvedReferenceError creates an error for a directive naming a
// template or block that does not exist.
func NewUnresolvedReferenceError(code, directive, value string) *StencilError {
	return &StencilError{
		Type:        ErrorTypeUnresolvedReference,
		Code:        code,
		Message:     fmt.Sprintf("%%%%%s=%s%%%% does not resolve", directive, value),
		Recoverable: false,
	}
}

// NewCycleError creates an include-cycle error.
func NewCycleError(code string, chain []string) *StencilError {
	return &StencilError{
		Type:        ErrorTypeCycle,
		Code:        code,
		Message:     "include cycle: " + strings.Join(chain, " -> "),
		Recoverable: false,
	}
}

// NewExpansionLimitError reports a phase that kept introducing directive
// tokens past limit steps.
func NewExpansionLimitError(limit int, token string) *StencilError {
	return &StencilError{
		Type:        ErrorTypeExpansionLimit,
		Code:        CodeExpansionLimit,
		Message:     fmt.Sprintf("%s still expanding after %d steps that introduced directives", token, limit),
		Recoverable: false,
	}
}

// NewTransientIOError creates a recoverable I/O error.
func NewTransientIOError(code, message string, cause error) *StencilError {
	return &StencilError{
		Type:        ErrorTypeTransientIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: true,
	}
}

// NewMalformedOutputError creates a well-formedness failure.
func NewMalformedOutputError(message string) *StencilError {
	return &StencilError{
		Type:        ErrorTypeMalformedOutput,
		Code:        CodeUnbalancedMarkup,
		Message:     message,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *StencilError {
	return &StencilError{
		Type:        ErrorTypeIO,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *StencilError {
	return &StencilError{
		Type:        ErrorTypeConfig,
		Code:        code,
		Message:     message,
		Recoverable: false,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *StencilError {
	return &StencilError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *StencilError {
	return &StencilError{
		Type:        ErrorTypeInternal,
		Code:        code,
		Message:     message,
		Cause:       cause,
		Recoverable: false,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var se *StencilError
	if errors.As(err, &se) {
		return se.Recoverable
	}

	return false
}

// IsNotFound reports whether err is a NotFound failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnresolvedReference reports whether err names a missing include target.
func IsUnresolvedReference(err error) bool {
	return errors.Is(err, ErrUnresolvedReference)
}

// IsCycle reports whether err is an include cycle.
func IsCycle(err error) bool {
	return errors.Is(err, ErrCycle)
}

// IsExpansionLimit reports whether err is a runaway directive expansion.
func IsExpansionLimit(err error) bool {
	return errors.Is(err, ErrExpansionLimit)
}

// TypeOf extracts the ErrorType of err, or ErrorTypeInternal for foreign errors.
func TypeOf(err error) ErrorType {
	var se *StencilError
	if errors.As(err, &se) {
		return se.Type
	}

	return ErrorTypeInternal
}
