// Package errors provides the unified error system shared by every layer of
// the broker. Provider SDK failures, repository conflicts, and domain rule
// violations are all expressed as the same BrokerError so that handlers can
// route on error kind without knowing which layer produced the failure.
package errors

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ============================================================================
// ERROR KINDS AND CLASSIFICATION
// ============================================================================

// ErrorType defines the category of error for routing, retry, and reporting.
type ErrorType string

const (
	// Caller errors
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeConflict   ErrorType = "CONFLICT"

	// Provider errors
	ErrorTypeProviderTransient ErrorType = "PROVIDER_TRANSIENT"
	ErrorTypeProviderPermanent ErrorType = "PROVIDER_PERMANENT"
	ErrorTypeCircuitOpen       ErrorType = "CIRCUIT_BREAKER_OPEN"

	// Control-flow errors
	ErrorTypeTimeout   ErrorType = "TIMEOUT"
	ErrorTypeCancelled ErrorType = "CANCELLED"

	// Everything else
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// ErrorSeverity defines the severity level for logging and monitoring.
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "LOW"
	SeverityMedium   ErrorSeverity = "MEDIUM"
	SeverityHigh     ErrorSeverity = "HIGH"
	SeverityCritical ErrorSeverity = "CRITICAL"
)

// FieldError carries a single field-level validation message so callers can
// report every invalid field at once instead of failing on the first.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// ============================================================================
// BROKER ERROR STRUCTURE
// ============================================================================

// BrokerError is the single error type used across the broker. It carries
// enough context for a handler to decide whether to retry, fail over to
// another provider strategy, or surface the failure to the scheduler.
type BrokerError struct {
	Type    ErrorType `json:"type"`
	Code    ErrorCode `json:"code"`    // Specific code for programmatic handling
	Message string    `json:"message"` // Human-readable message
	Details string    `json:"details"` // Additional context information

	// Error context
	Operation string       `json:"operation"` // The operation that failed
	Resource  string       `json:"resource"`  // The resource being operated on
	RequestID string       `json:"requestId"` // Broker request correlation id
	Fields    []FieldError `json:"fields,omitempty"`

	// Error metadata
	Severity   ErrorSeverity `json:"severity"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Cause      error         `json:"-"` // Underlying cause (not serialized)

	// Call site (for debugging)
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e *BrokerError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Type, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the underlying cause.
func (e *BrokerError) Unwrap() error {
	return e.Cause
}

// FieldMessages flattens field-level validation messages for reporting.
func (e *BrokerError) FieldMessages() []string {
	if len(e.Fields) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.String())
	}
	return msgs
}

// String provides a detailed representation for logs.
func (e *BrokerError) String() string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Error: %s\n", e.Error()))
	if e.Operation != "" {
		b.WriteString(fmt.Sprintf("Operation: %s\n", e.Operation))
	}
	if e.Resource != "" {
		b.WriteString(fmt.Sprintf("Resource: %s\n", e.Resource))
	}
	if e.RequestID != "" {
		b.WriteString(fmt.Sprintf("RequestID: %s\n", e.RequestID))
	}
	for _, f := range e.Fields {
		b.WriteString(fmt.Sprintf("Field: %s\n", f.String()))
	}
	b.WriteString(fmt.Sprintf("Severity: %s\n", e.Severity))
	b.WriteString(fmt.Sprintf("Retryable: %t\n", e.Retryable))
	if e.Cause != nil {
		b.WriteString(fmt.Sprintf("Cause: %v\n", e.Cause))
	}
	if e.File != "" && e.Line > 0 {
		b.WriteString(fmt.Sprintf("Location: %s:%d\n", e.File, e.Line))
	}
	return b.String()
}

// ============================================================================
// ERROR BUILDER FOR FLUENT CONSTRUCTION
// ============================================================================

// ErrorBuilder provides a fluent interface for constructing BrokerError values.
type ErrorBuilder struct {
	err *BrokerError
}

// NewError creates a new error builder with the specified kind and message.
func NewError(errType ErrorType, code ErrorCode, message string) *ErrorBuilder {
	_, file, line, _ := runtime.Caller(1)

	return &ErrorBuilder{
		err: &BrokerError{
			Type:      errType,
			Code:      code,
			Message:   message,
			Severity:  code.Severity(),
			Retryable: code.IsRetryable(),
			File:      file,
			Line:      line,
		},
	}
}

// WithDetails adds additional details to the error.
func (b *ErrorBuilder) WithDetails(details string) *ErrorBuilder {
	b.err.Details = details
	return b
}

// WithDetailsf formats additional details for the error.
func (b *ErrorBuilder) WithDetailsf(format string, args ...interface{}) *ErrorBuilder {
	b.err.Details = fmt.Sprintf(format, args...)
	return b
}

// WithOperation specifies the operation that failed.
func (b *ErrorBuilder) WithOperation(operation string) *ErrorBuilder {
	b.err.Operation = operation
	return b
}

// WithResource specifies the resource being operated on.
func (b *ErrorBuilder) WithResource(resource string) *ErrorBuilder {
	b.err.Resource = resource
	return b
}

// WithRequestID adds request correlation to the error.
func (b *ErrorBuilder) WithRequestID(requestID string) *ErrorBuilder {
	b.err.RequestID = requestID
	return b
}

// WithField appends a field-level validation message.
func (b *ErrorBuilder) WithField(field, message string) *ErrorBuilder {
	b.err.Fields = append(b.err.Fields, FieldError{Field: field, Message: message})
	return b
}

// WithFields appends a batch of field-level validation messages.
func (b *ErrorBuilder) WithFields(fields ...FieldError) *ErrorBuilder {
	b.err.Fields = append(b.err.Fields, fields...)
	return b
}

// WithSeverity overrides the severity derived from the code.
func (b *ErrorBuilder) WithSeverity(severity ErrorSeverity) *ErrorBuilder {
	b.err.Severity = severity
	return b
}

// WithRetryable overrides the retryability derived from the code.
func (b *ErrorBuilder) WithRetryable(retryable bool) *ErrorBuilder {
	b.err.Retryable = retryable
	return b
}

// WithRetryAfter sets how long to wait before retrying and marks the error
// retryable.
func (b *ErrorBuilder) WithRetryAfter(d time.Duration) *ErrorBuilder {
	b.err.RetryAfter = d
	b.err.Retryable = true
	return b
}

// WithCause attaches the underlying cause error.
func (b *ErrorBuilder) WithCause(cause error) *ErrorBuilder {
	b.err.Cause = cause
	return b
}

// Build returns the constructed BrokerError.
func (b *ErrorBuilder) Build() *BrokerError {
	return b.err
}

// ============================================================================
// CONVENIENCE CONSTRUCTORS
// ============================================================================

// Validation creates a validation error. Non-retryable, rejected before any
// side effect.
func Validation(code ErrorCode, message string) *ErrorBuilder {
	return NewError(ErrorTypeValidation, code, message).
		WithSeverity(SeverityLow).
		WithRetryable(false)
}

// NotFound creates a missing-entity error.
func NotFound(code ErrorCode, message string) *ErrorBuilder {
	return NewError(ErrorTypeNotFound, code, message).
		WithSeverity(SeverityLow).
		WithRetryable(false)
}

// Conflict creates a concurrent-modification or illegal-transition error.
// Non-retryable at the same call site; the caller may re-read and retry.
func Conflict(code ErrorCode, message string) *ErrorBuilder {
	return NewError(ErrorTypeConflict, code, message).
		WithSeverity(SeverityMedium).
		WithRetryable(false)
}

// ProviderTransient creates a retryable provider error (throttling, capacity,
// transient network failure).
func ProviderTransient(code ErrorCode, message string) *ErrorBuilder {
	return NewError(ErrorTypeProviderTransient, code, message).
		WithSeverity(SeverityMedium).
		WithRetryable(true)
}

// ProviderPermanent creates a non-retryable provider error (authorization,
// invalid parameter).
func ProviderPermanent(code ErrorCode, message string) *ErrorBuilder {
	return NewError(ErrorTypeProviderPermanent, code, message).
		WithSeverity(SeverityHigh).
		WithRetryable(false)
}

// CircuitOpen creates a fail-fast error raised while a circuit breaker is
// open. The caller may fail over to another strategy.
func CircuitOpen(service string) *ErrorBuilder {
	return NewError(ErrorTypeCircuitOpen, CodeCircuitOpen, fmt.Sprintf("circuit breaker open for %s", service)).
		WithResource(service).
		WithSeverity(SeverityHigh).
		WithRetryable(false)
}

// Timeout creates a timeout error. Retryable until attempts are exhausted.
func Timeout(code ErrorCode, message string) *ErrorBuilder {
	return NewError(ErrorTypeTimeout, code, message).
		WithSeverity(SeverityMedium).
		WithRetryable(true)
}

// Cancelled creates a cancellation error. Propagated unchanged, never retried.
func Cancelled(message string) *ErrorBuilder {
	return NewError(ErrorTypeCancelled, CodeCancelled, message).
		WithSeverity(SeverityLow).
		WithRetryable(false)
}

// Internal creates an internal error for bugs and unexpected states.
func Internal(code ErrorCode, message string) *ErrorBuilder {
	return NewError(ErrorTypeInternal, code, message).
		WithSeverity(SeverityHigh).
		WithRetryable(false)
}

// ============================================================================
// ERROR CLASSIFICATION AND CHECKING
// ============================================================================

// IsType checks if an error is of a specific kind.
func IsType(err error, errType ErrorType) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Type == errType
	}
	return false
}

// TypeOf returns the kind of an error, or ErrorTypeInternal for foreign errors.
func TypeOf(err error) ErrorType {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Type
	}
	return ErrorTypeInternal
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

// IsNotFound checks if an error is a missing-entity error.
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsConflict checks if an error is a conflict error.
func IsConflict(err error) bool {
	return IsType(err, ErrorTypeConflict)
}

// IsProviderTransient checks if an error is a retryable provider error.
func IsProviderTransient(err error) bool {
	return IsType(err, ErrorTypeProviderTransient)
}

// IsProviderPermanent checks if an error is a non-retryable provider error.
func IsProviderPermanent(err error) bool {
	return IsType(err, ErrorTypeProviderPermanent)
}

// IsCircuitOpen checks if an error was raised by an open circuit breaker.
func IsCircuitOpen(err error) bool {
	return IsType(err, ErrorTypeCircuitOpen)
}

// IsTimeout checks if an error is a timeout.
func IsTimeout(err error) bool {
	return IsType(err, ErrorTypeTimeout)
}

// IsCancelled checks if an error is a cancellation.
func IsCancelled(err error) bool {
	return IsType(err, ErrorTypeCancelled)
}

// IsInternal checks if an error is an internal error.
func IsInternal(err error) bool {
	return IsType(err, ErrorTypeInternal)
}

// IsRetryable reports whether the operation that produced err may be retried.
// Timeouts count as retryable; open circuits and cancellations do not.
func IsRetryable(err error) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// GetSeverity returns the severity of an error.
func GetSeverity(err error) ErrorSeverity {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Severity
	}
	return SeverityMedium
}

// GetCode returns the error code, or CodeInternalError for foreign errors.
func GetCode(err error) ErrorCode {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternalError
}

// ============================================================================
// ERROR WRAPPING AND CONTEXT PRESERVATION
// ============================================================================

// Wrap adds operation context to an error while preserving its kind, code,
// and retry semantics. Foreign errors become internal errors.
func Wrap(err error, operation, message string) *BrokerError {
	if err == nil {
		return nil
	}

	var be *BrokerError
	if errors.As(err, &be) {
		return &BrokerError{
			Type:       be.Type,
			Code:       be.Code,
			Message:    message,
			Details:    be.Message, // original message becomes details
			Operation:  operation,
			Resource:   be.Resource,
			RequestID:  be.RequestID,
			Fields:     be.Fields,
			Severity:   be.Severity,
			Retryable:  be.Retryable,
			RetryAfter: be.RetryAfter,
			Cause:      err,
			File:       be.File,
			Line:       be.Line,
		}
	}

	_, file, line, _ := runtime.Caller(1)
	return &BrokerError{
		Type:      ErrorTypeInternal,
		Code:      CodeInternalError,
		Message:   message,
		Details:   err.Error(),
		Operation: operation,
		Severity:  SeverityMedium,
		Retryable: false,
		Cause:     err,
		File:      file,
		Line:      line,
	}
}

// FromContext converts context cancellation and deadline errors into broker
// errors. Other errors pass through unchanged.
func FromContext(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout(CodeOperationTimeout, "operation deadline exceeded").
			WithCause(err).
			Build()
	case errors.Is(err, context.Canceled):
		return Cancelled("operation cancelled").
			WithCause(err).
			Build()
	default:
		return err
	}
}
