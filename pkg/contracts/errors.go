package contracts

import "fmt"

// ErrorCode is the closed taxonomy of failure codes. New codes are a
// breaking change for clients; do not add them casually.
type ErrorCode string

const (
	CodeValidationError       ErrorCode = "VALIDATION_ERROR"
	CodeTargetNotFound        ErrorCode = "TARGET_NOT_FOUND"
	CodeTargetAmbiguous       ErrorCode = "TARGET_AMBIGUOUS"
	CodePlanMismatch          ErrorCode = "PLAN_MISMATCH"
	CodeCapabilityUnavailable ErrorCode = "CAPABILITY_UNAVAILABLE"
	CodeConfirmRequired       ErrorCode = "CONFIRM_REQUIRED"
	CodeInvalidConfirmToken   ErrorCode = "INVALID_CONFIRM_TOKEN"
	CodeMissingScope          ErrorCode = "MISSING_SCOPE"
	CodeAuthContextRequired   ErrorCode = "AUTH_CONTEXT_REQUIRED"
	CodeInternalError         ErrorCode = "INTERNAL_ERROR"
)

// StandardError is the single error shape surfaced to clients, both at the
// top level (MutationErrorResponse) and per operation inside ApplyResponse.
type StandardError struct {
	Code                ErrorCode `json:"code"`
	Message             string    `json:"message"`
	Target              string    `json:"target,omitempty"`
	OperationID         string    `json:"operation_id,omitempty"`
	Retryable           bool      `json:"retryable"`
	MissingScopes       []string  `json:"missing_scopes,omitempty"`
	SupportedTransports []string  `json:"supported_transports,omitempty"`
	Remediation         string    `json:"remediation,omitempty"`
}

// Error implements the error interface so a StandardError can travel through
// ordinary error returns at the tool boundary.
func (e *StandardError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a non-retryable StandardError.
func NewError(code ErrorCode, message string) *StandardError {
	return &StandardError{Code: code, Message: message}
}

// WithRemediation attaches a human-readable hint and returns the error.
func (e *StandardError) WithRemediation(hint string) *StandardError {
	e.Remediation = hint
	return e
}
