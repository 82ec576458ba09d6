// Package errors defines the typed failure taxonomy shared by all pyoci
// components. Every core operation returns either a value or one of these
// errors carrying the failing operation and resource as context.
package errors

import (
	"errors"
	"fmt"
)

// Type classifies a build failure.
type Type string

const (
	TypeValidation       Type = "validation"
	TypeAuthentication   Type = "authentication"
	TypeNetwork          Type = "network"
	TypeManifestParse    Type = "manifest_parse"
	TypePlatformNotFound Type = "platform_not_found"
	TypeDigestMismatch   Type = "digest_mismatch"
	TypeProcessExecution Type = "process_execution"
	TypeIO               Type = "io"
)

// BuildError is the error type returned by pyoci components.
type BuildError struct {
	Type      Type   `json:"type"`
	Operation string `json:"operation"`
	Resource  string `json:"resource,omitempty"`
	Message   string `json:"message"`
	// Stderr holds captured standard error for process execution failures.
	Stderr string `json:"stderr,omitempty"`
	Cause  error  `json:"-"`
}

func (e *BuildError) Error() string {
	msg := e.Message
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Stderr)
	}
	if e.Resource != "" {
		return fmt.Sprintf("%s error in %s on %s: %s", e.Type, e.Operation, e.Resource, msg)
	}
	return fmt.Sprintf("%s error in %s: %s", e.Type, e.Operation, msg)
}

// Unwrap returns the underlying cause.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// New creates a BuildError with the given classification and context.
func New(typ Type, operation, message string) *BuildError {
	return &BuildError{Type: typ, Operation: operation, Message: message}
}

// Newf creates a BuildError with a formatted message.
func Newf(typ Type, operation, format string, args ...interface{}) *BuildError {
	return &BuildError{Type: typ, Operation: operation, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a BuildError that records cause for errors.Is/As chains.
func Wrap(typ Type, operation string, cause error, message string) *BuildError {
	return &BuildError{Type: typ, Operation: operation, Message: message, Cause: cause}
}

// WithResource attaches the resource the operation was acting on.
func (e *BuildError) WithResource(resource string) *BuildError {
	e.Resource = resource
	return e
}

// WithStderr attaches captured standard error output.
func (e *BuildError) WithStderr(stderr string) *BuildError {
	e.Stderr = stderr
	return e
}

// IsType reports whether err is (or wraps) a BuildError of the given type.
func IsType(err error, typ Type) bool {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Type == typ
	}
	return false
}

// TypeOf returns the classification of err, or the empty Type if err does not
// carry one.
func TypeOf(err error) Type {
	var be *BuildError
	if errors.As(err, &be) {
		return be.Type
	}
	return ""
}
