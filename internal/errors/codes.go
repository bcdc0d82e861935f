// Package errors provides standardized error codes for consistent handling.
package errors

// ErrorCode identifies a specific failure scenario.
type ErrorCode string

const (
	// Template errors
	CodeTemplateNotFound     ErrorCode = "TEMPLATE_NOT_FOUND"
	CodeTemplateExists       ErrorCode = "TEMPLATE_EXISTS"
	CodeTemplateInvalid      ErrorCode = "TEMPLATE_INVALID"
	CodeTemplateParseFailed  ErrorCode = "TEMPLATE_PARSE_FAILED"
	CodeTemplateFileMissing  ErrorCode = "TEMPLATE_FILE_MISSING"
	CodeTemplateInUse        ErrorCode = "TEMPLATE_IN_USE"
	CodeAttributeInvalid     ErrorCode = "ATTRIBUTE_INVALID"
	CodeFieldMappingConflict ErrorCode = "FIELD_MAPPING_CONFLICT"

	// Request errors
	CodeRequestNotFound     ErrorCode = "REQUEST_NOT_FOUND"
	CodeRequestExists       ErrorCode = "REQUEST_EXISTS"
	CodeRequestInvalid      ErrorCode = "REQUEST_INVALID"
	CodeRequestTerminal     ErrorCode = "REQUEST_TERMINAL"
	CodeIllegalTransition   ErrorCode = "ILLEGAL_TRANSITION"
	CodeMachineCountInvalid ErrorCode = "MACHINE_COUNT_INVALID"

	// Machine errors
	CodeMachineNotFound ErrorCode = "MACHINE_NOT_FOUND"
	CodeMachineInvalid  ErrorCode = "MACHINE_INVALID"

	// Provider errors
	CodeProviderNotFound     ErrorCode = "PROVIDER_NOT_FOUND"
	CodeProviderUnhealthy    ErrorCode = "PROVIDER_UNHEALTHY"
	CodeProviderBusy         ErrorCode = "PROVIDER_BUSY"
	CodeProviderThrottled    ErrorCode = "PROVIDER_THROTTLED"
	CodeCapacityUnavailable  ErrorCode = "CAPACITY_UNAVAILABLE"
	CodeProviderAccessDenied ErrorCode = "PROVIDER_ACCESS_DENIED"
	CodeProviderRejected     ErrorCode = "PROVIDER_REJECTED"
	CodeProviderUnavailable  ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeFleetRequestFailed   ErrorCode = "FLEET_REQUEST_FAILED"
	CodeSpotRequestFailed    ErrorCode = "SPOT_REQUEST_FAILED"
	CodeScalingGroupFailed   ErrorCode = "SCALING_GROUP_FAILED"
	CodeLaunchFailed         ErrorCode = "LAUNCH_FAILED"
	CodeTerminateFailed      ErrorCode = "TERMINATE_FAILED"

	// Repository errors
	CodeRepositoryError     ErrorCode = "REPOSITORY_ERROR"
	CodeOptimisticLock      ErrorCode = "OPTIMISTIC_LOCK"
	CodeSerializationFailed ErrorCode = "SERIALIZATION_FAILED"
	CodeMigrationFailed     ErrorCode = "MIGRATION_FAILED"

	// Validation errors
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeMissingField     ErrorCode = "MISSING_FIELD"
	CodeInvalidFormat    ErrorCode = "INVALID_FORMAT"

	// Infrastructure errors
	CodeInternalError      ErrorCode = "INTERNAL_ERROR"
	CodeConfigInvalid      ErrorCode = "CONFIG_INVALID"
	CodeOperationTimeout   ErrorCode = "OPERATION_TIMEOUT"
	CodeCancelled          ErrorCode = "CANCELLED"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_BREAKER_OPEN"
	CodeEventPublishFailed ErrorCode = "EVENT_PUBLISH_FAILED"
	CodePoolSaturated      ErrorCode = "POOL_SATURATED"
	CodeHandlerNotFound    ErrorCode = "HANDLER_NOT_FOUND"
)

// Exit codes for the CLI front-end.
const (
	ExitOK         = 0
	ExitUserError  = 1
	ExitValidation = 2
	ExitProvider   = 3
	ExitTimeout    = 4
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// ExitCode maps an error code onto the CLI exit status.
func (c ErrorCode) ExitCode() int {
	switch c {
	case CodeValidationFailed, CodeInvalidInput, CodeMissingField, CodeInvalidFormat,
		CodeTemplateInvalid, CodeRequestInvalid, CodeMachineInvalid,
		CodeMachineCountInvalid, CodeAttributeInvalid:
		return ExitValidation

	case CodeProviderThrottled, CodeCapacityUnavailable, CodeProviderAccessDenied,
		CodeProviderRejected, CodeProviderUnavailable, CodeProviderUnhealthy,
		CodeProviderBusy, CodeFleetRequestFailed, CodeSpotRequestFailed,
		CodeScalingGroupFailed, CodeLaunchFailed, CodeTerminateFailed,
		CodeCircuitOpen:
		return ExitProvider

	case CodeOperationTimeout, CodeCancelled:
		return ExitTimeout

	default:
		return ExitUserError
	}
}

// IsRetryable reports whether an error with this code should be retried.
func (c ErrorCode) IsRetryable() bool {
	switch c {
	case CodeProviderThrottled, CodeCapacityUnavailable, CodeProviderUnavailable,
		CodeOperationTimeout, CodeOptimisticLock, CodeEventPublishFailed:
		return true
	default:
		return false
	}
}

// Severity returns the default severity level for the error code.
func (c ErrorCode) Severity() ErrorSeverity {
	switch c {
	// Critical - data integrity and system failures
	case CodeInternalError, CodeSerializationFailed, CodeMigrationFailed:
		return SeverityCritical

	// High - provisioning disruptions
	case CodeRepositoryError, CodeProviderAccessDenied, CodeProviderRejected,
		CodeFleetRequestFailed, CodeSpotRequestFailed, CodeScalingGroupFailed,
		CodeLaunchFailed, CodeTerminateFailed, CodeCircuitOpen,
		CodeEventPublishFailed:
		return SeverityHigh

	// Medium - transient and contention conditions
	case CodeOptimisticLock, CodeOperationTimeout, CodeProviderThrottled,
		CodeCapacityUnavailable, CodeProviderUnavailable, CodeProviderUnhealthy,
		CodeProviderBusy, CodePoolSaturated, CodeRequestTerminal,
		CodeIllegalTransition:
		return SeverityMedium

	// Low - caller errors
	default:
		return SeverityLow
	}
}
