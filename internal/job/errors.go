package job

import (
	"errors"
	"fmt"
)

// Code categorizes job errors.
type Code string

const (
	// CodeValidation indicates a malformed or out-of-enum submission.
	CodeValidation Code = "VALIDATION_ERROR"

	// CodeGovernanceViolation indicates the continuity guard refused.
	CodeGovernanceViolation Code = "GOVERNANCE_VIOLATION"

	// CodeUnsupportedTransform indicates no prompt template is registered.
	CodeUnsupportedTransform Code = "UNSUPPORTED_TRANSFORM"

	// CodeExecution indicates the model call or output handling failed.
	CodeExecution Code = "EXECUTION_ERROR"

	// CodeExecutionTimeout indicates the model call exceeded its deadline.
	CodeExecutionTimeout Code = "EXECUTION_TIMEOUT"

	// CodeExpired indicates a read or retry after the retention window.
	CodeExpired Code = "EXPIRED"

	// CodeRetryLimitExceeded indicates retry_count reached max_retries.
	CodeRetryLimitExceeded Code = "RETRY_LIMIT_EXCEEDED"

	// CodeRetryNotAllowed indicates a retry while an attempt is in flight.
	CodeRetryNotAllowed Code = "RETRY_NOT_ALLOWED"

	CodeNotFound         Code = "NOT_FOUND"
	CodeNotCompleted     Code = "NOT_COMPLETED"
	CodeProofUnavailable Code = "PROOF_UNAVAILABLE"
)

// Error is returned by every job-facing operation.
type Error struct {
	Code    Code
	Message string
	JobID   string

	// Details carries structured context such as the guard reason.
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s: %s (job=%s)", e.Code, e.Message, e.JobID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates an Error with a formatted message.
func NewError(code Code, jobID, format string, args ...any) *Error {
	return &Error{Code: code, JobID: jobID, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) (Code, bool) {
	var je *Error
	if errors.As(err, &je) {
		return je.Code, true
	}
	return "", false
}

// IsCode reports whether err carries code.
// Uses errors.As to handle wrapped errors.
func IsCode(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// ToJobError converts err into the record attached to a failed attempt.
// Errors without a code are reported as execution errors.
func ToJobError(err error) *JobError {
	var je *Error
	if errors.As(err, &je) {
		return &JobError{Code: je.Code, Message: je.Message}
	}
	return &JobError{Code: CodeExecution, Message: err.Error()}
}
