package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents how a provider or engine failure should be treated by
// retry and abort logic.
type ErrorClass string

const (
	// ErrorClassThrottled indicates a provider rate-limit response.
	// Retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassUnauthorized indicates missing or revoked credentials.
	// Never retried; fatal for the run.
	ErrorClassUnauthorized ErrorClass = "unauthorized"

	// ErrorClassNotFound indicates the resource no longer exists.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassTransient indicates an ambiguous failure (timeouts, dropped
	// connections) where the call may or may not have been applied.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes. Each maps to one entry of the engine's error taxonomy.
const (
	ErrCodeSchema                = "SCHEMA_ERROR"
	ErrCodeUnknownResourceType   = "UNKNOWN_RESOURCE_TYPE"
	ErrCodeDuplicateResourceType = "DUPLICATE_RESOURCE_TYPE"
	ErrCodeThrottleExceeded      = "THROTTLE_EXCEEDED"
	ErrCodeAuthorization         = "AUTHORIZATION_ERROR"
	ErrCodeResourceNotFound      = "RESOURCE_NOT_FOUND"
	ErrCodeAction                = "ACTION_ERROR"
	ErrCodeCacheLoader           = "CACHE_LOADER_ERROR"
	ErrCodeSkipped               = "RESOURCE_SKIPPED"
	ErrCodeProvider              = "PROVIDER_ERROR"
	ErrCodeInternal              = "INTERNAL_ERROR"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Code identifies the taxonomy entry for programmatic handling.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the provider operation or action being performed.
	Operation string `json:"operation,omitempty"`

	// Phase is the orchestrator phase in which the error surfaced.
	Phase Phase `json:"phase,omitempty"`

	// Attempts is the number of provider calls made before giving up.
	Attempts int `json:"attempts,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Code != "" {
		msg = fmt.Sprintf("[%s/%s] %s", e.Class, e.Code, e.Message)
	}
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is. A target carrying a
// code matches on code; a target without one matches on class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Code != "" {
		return e.Code == t.Code
	}
	return e.Class == t.Class
}

// Sentinels for errors.Is.
var (
	ErrSchema                = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeSchema}
	ErrUnknownResourceType   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeUnknownResourceType}
	ErrDuplicateResourceType = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDuplicateResourceType}
	ErrThrottleExceeded      = &EngineError{Class: ErrorClassThrottled, Code: ErrCodeThrottleExceeded}
	ErrAuthorization         = &EngineError{Class: ErrorClassUnauthorized, Code: ErrCodeAuthorization}
	ErrResourceNotFound      = &EngineError{Class: ErrorClassNotFound, Code: ErrCodeResourceNotFound}
	ErrAction                = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeAction}
	ErrCacheLoader           = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCacheLoader}
	ErrSkipped               = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeSkipped}
)

// NewThrottledError creates a provider throttling error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Code: ErrCodeProvider, Message: message, Err: err}
}

// NewUnauthorizedError creates an authorization error.
func NewUnauthorizedError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassUnauthorized, Code: ErrCodeAuthorization, Message: message, Err: err}
}

// NewNotFoundError creates a resource-not-found error.
func NewNotFoundError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassNotFound, Code: ErrCodeResourceNotFound, Message: message, Err: err}
}

// NewTransientError creates a timeout-class error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Code: ErrCodeProvider, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Code: ErrCodeProvider, Message: message, Err: err}
}

// NewSchemaError creates a policy validation error.
func NewSchemaError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Code: ErrCodeSchema, Message: message, Err: err, Phase: PhaseValidate}
}

// NewUnknownResourceTypeError reports a resource type missing from the registry.
func NewUnknownResourceTypeError(name string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeUnknownResourceType,
		Message: fmt.Sprintf("unknown resource type %q", name),
	}
}

// NewThrottleExceededError reports a call that kept throttling past the retry budget.
func NewThrottleExceededError(operation string, attempts int, err error) *EngineError {
	return &EngineError{
		Class:     ErrorClassThrottled,
		Code:      ErrCodeThrottleExceeded,
		Message:   fmt.Sprintf("throttled after %d attempts", attempts),
		Operation: operation,
		Attempts:  attempts,
		Err:       err,
	}
}

// NewActionError wraps a per-resource action failure.
func NewActionError(action, resourceID string, err error) *EngineError {
	class := Classify(err)
	return &EngineError{
		Class:     class,
		Code:      ErrCodeAction,
		Message:   "action failed",
		Resource:  resourceID,
		Operation: action,
		Phase:     PhaseAct,
		Err:       err,
	}
}

// NewCacheLoaderError wraps a loader failure shared by every waiter of key.
// The class of the underlying error is kept.
func NewCacheLoaderError(key string, err error) *EngineError {
	return &EngineError{
		Class:     Classify(err),
		Code:      ErrCodeCacheLoader,
		Message:   fmt.Sprintf("loading %s", key),
		Operation: "fetch",
		Phase:     PhaseFetch,
		Err:       err,
	}
}

// NewSkippedError lets a provider decline an operation for one resource
// without failing it, e.g. a plan kind that cannot be resized.
func NewSkippedError(reason string) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Code: ErrCodeSkipped, Message: reason}
}

// IsSkipped reports whether err is a provider skip.
func IsSkipped(err error) bool {
	return errors.Is(err, ErrSkipped)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithPhase records the phase the error surfaced in.
func (e *EngineError) WithPhase(phase Phase) *EngineError {
	e.Phase = phase
	return e
}

// Classify returns the class of err. Context deadline errors are transient;
// unclassified errors are permanent.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

// CodeOf returns the taxonomy code carried by err, or "".
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return Classify(err) == ErrorClassThrottled
}

// IsUnauthorized returns true if the error is an authorization failure.
func IsUnauthorized(err error) bool {
	return Classify(err) == ErrorClassUnauthorized
}

// IsNotFound returns true if the error reports a missing resource.
func IsNotFound(err error) bool {
	return Classify(err) == ErrorClassNotFound
}

// IsTransient returns true if the error is timeout-class.
func IsTransient(err error) bool {
	return Classify(err) == ErrorClassTransient
}

// IsRetryable returns true for throttled and transient errors.
func IsRetryable(err error) bool {
	c := Classify(err)
	return c == ErrorClassThrottled || c == ErrorClassTransient
}

// IsFatal returns true if err must abort the whole run when it surfaces
// before the act phase. Wrapped taxonomy errors are found anywhere in the chain.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range []error{ErrSchema, ErrUnknownResourceType, ErrThrottleExceeded, ErrAuthorization} {
		if errors.Is(err, target) {
			return true
		}
	}
	return IsUnauthorized(err)
}
