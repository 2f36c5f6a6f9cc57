// Package errors provides the typed errors used across the launcher. Each error
// type maps to a process exit code so that the container entrypoint exits with
// a status the orchestrator (and a human reading `kubectl describe`) can act on.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrInvalidConfig is returned when the environment or flags are missing or malformed
	ErrInvalidConfig = "invalid_config"

	// ErrTrust is returned when the CA trust material cannot be composed
	ErrTrust = "trust"

	// ErrPreflight is returned when the NetBox endpoint is unreachable or rejects the token
	ErrPreflight = "preflight"

	// ErrLaunch is returned when the proxy process cannot be started
	ErrLaunch = "launch"

	// ErrChildExit is returned when the proxy process exits with a non-zero status
	ErrChildExit = "child_exit"

	// ErrRender is returned when an image or manifest cannot be rendered
	ErrRender = "render"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Exit codes, following sysexits.h where one applies.
const (
	ExitGeneric     = 1
	ExitUnavailable = 69
	ExitNoPerm      = 77
	ExitConfig      = 78
	ExitCannotExec  = 126
	ExitNotFound    = 127
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error

	// ExitCode is the process exit status this error should produce
	ExitCode int
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error, exitCode int) *Error {
	return &Error{
		Type:     errorType,
		Message:  message,
		Cause:    cause,
		ExitCode: exitCode,
	}
}

// NewInvalidConfigError creates a new invalid configuration error
func NewInvalidConfigError(message string, cause error) *Error {
	return NewError(ErrInvalidConfig, message, cause, ExitConfig)
}

// NewTrustError creates a new trust composition error
func NewTrustError(message string, cause error) *Error {
	return NewError(ErrTrust, message, cause, ExitNoPerm)
}

// NewPreflightError creates a new preflight error
func NewPreflightError(message string, cause error) *Error {
	return NewError(ErrPreflight, message, cause, ExitUnavailable)
}

// NewLaunchError creates a new launch error with the given exit code
func NewLaunchError(message string, cause error, exitCode int) *Error {
	return NewError(ErrLaunch, message, cause, exitCode)
}

// NewChildExitError creates an error carrying the exit status of the proxy process
func NewChildExitError(exitCode int) *Error {
	return NewError(ErrChildExit, fmt.Sprintf("proxy exited with status %d", exitCode), nil, exitCode)
}

// NewRenderError creates a new render error
func NewRenderError(message string, cause error) *Error {
	return NewError(ErrRender, message, cause, ExitGeneric)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause, ExitGeneric)
}

// IsInvalidConfig checks if the error is an invalid configuration error
func IsInvalidConfig(err error) bool {
	return hasType(err, ErrInvalidConfig)
}

// IsTrust checks if the error is a trust error
func IsTrust(err error) bool {
	return hasType(err, ErrTrust)
}

// IsPreflight checks if the error is a preflight error
func IsPreflight(err error) bool {
	return hasType(err, ErrPreflight)
}

// IsLaunch checks if the error is a launch error
func IsLaunch(err error) bool {
	return hasType(err, ErrLaunch)
}

// IsChildExit checks if the error carries a proxy exit status
func IsChildExit(err error) bool {
	return hasType(err, ErrChildExit)
}

// ExitCodeOf returns the exit code for err. Nil maps to 0, untyped errors to 1.
func ExitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) && e.ExitCode != 0 {
		return e.ExitCode
	}
	return ExitGeneric
}

func hasType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}
