package shared

import "errors"

// Sentinel errors for value object validation.
var (
	ErrInvalidRequestID  = errors.New("request id must be req-<uuid> or ret-<uuid>")
	ErrInvalidMachineID  = errors.New("machine id must be a valid UUID")
	ErrEmptyTemplateID   = errors.New("template id cannot be empty")
	ErrInvalidTemplateID = errors.New("template id contains invalid characters")
	ErrInvalidTagEntry   = errors.New("tag entry must be key=value")
)
