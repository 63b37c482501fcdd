package harness

import (
	"errors"
	"fmt"
)

// StageError represents a fatal failure in one stage of a harness run.
//
// Stage failures include:
//   - Tool resolution: a required collaborator is missing or not executable
//   - Provisioning: directory or loopback-provider setup failed
//   - Readiness: link endpoints never became usable within the poll budget
//   - Transfer: sender or receiver exited non-zero
//   - Verification: the comparison tool itself failed to execute
//
// StageError includes structured fields for diagnostics. Every StageError is
// terminal for the run; the session cleanup path still executes.
type StageError struct {
	// Code identifies the failure category.
	Code StageErrorCode

	// Stage names the pipeline stage for user-facing diagnostics.
	Stage string

	// Message is a human-readable description.
	Message string

	// ExitCode is the collaborator's exit code, where one applies.
	ExitCode int

	// Err is the underlying error (optional).
	Err error
}

// StageErrorCode categorizes harness failures.
type StageErrorCode string

const (
	// ErrCodeToolNotFound indicates a collaborator is missing or not executable.
	ErrCodeToolNotFound StageErrorCode = "TOOL_NOT_FOUND"

	// ErrCodeProvisioning indicates session directory or loopback setup failed.
	ErrCodeProvisioning StageErrorCode = "PROVISIONING_FAILED"

	// ErrCodeReadinessTimeout indicates the endpoints never resolved in budget.
	ErrCodeReadinessTimeout StageErrorCode = "READINESS_TIMEOUT"

	// ErrCodeTransfer indicates the sender or receiver exited non-zero.
	ErrCodeTransfer StageErrorCode = "TRANSFER_FAILED"

	// ErrCodeVerification indicates the comparison tool failed to execute.
	ErrCodeVerification StageErrorCode = "VERIFICATION_FAILED"
)

// Error implements the error interface.
func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", e.Code, e.Stage, e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying error for errors.Is/As chains.
func (e *StageError) Unwrap() error {
	return e.Err
}

// IsToolNotFound reports whether err is a tool-resolution failure.
// Uses errors.As to handle wrapped errors.
func IsToolNotFound(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Code == ErrCodeToolNotFound
}

// IsReadinessTimeout reports whether err is a readiness-poll timeout.
// Uses errors.As to handle wrapped errors.
func IsReadinessTimeout(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Code == ErrCodeReadinessTimeout
}

// IsTransferError reports whether err is a sender/receiver failure.
// Uses errors.As to handle wrapped errors.
func IsTransferError(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Code == ErrCodeTransfer
}

// NewToolNotFoundError creates a StageError for a missing collaborator.
func NewToolNotFoundError(role, nameOrPath string) *StageError {
	return &StageError{
		Code:    ErrCodeToolNotFound,
		Stage:   "resolve",
		Message: fmt.Sprintf("%s command not found or not executable (%q); ensure it is in PATH or provide a full path", role, nameOrPath),
	}
}

// NewProvisioningError creates a StageError for a setup failure.
func NewProvisioningError(message string, err error) *StageError {
	return &StageError{
		Code:    ErrCodeProvisioning,
		Stage:   "provision",
		Message: message,
		Err:     err,
	}
}

// NewReadinessTimeoutError creates a StageError for an exhausted poll budget.
// The per-endpoint states are embedded so the diagnostic names which side of
// the link never resolved.
func NewReadinessTimeoutError(attempts int, stateA, stateB EndpointState) *StageError {
	return &StageError{
		Code:  ErrCodeReadinessTimeout,
		Stage: "readiness",
		Message: fmt.Sprintf("endpoints not ready after %d attempt(s) (endpoint A: %s, endpoint B: %s)",
			attempts, stateA, stateB),
	}
}

// NewTransferError creates a StageError for a failed sender or receiver.
func NewTransferError(role string, exitCode int) *StageError {
	return &StageError{
		Code:     ErrCodeTransfer,
		Stage:    "transfer",
		Message:  fmt.Sprintf("%s exited with code %d", role, exitCode),
		ExitCode: exitCode,
	}
}

// NewVerificationError creates a StageError for a comparison-tool failure.
func NewVerificationError(message string, exitCode int, err error) *StageError {
	return &StageError{
		Code:     ErrCodeVerification,
		Stage:    "verify",
		Message:  message,
		ExitCode: exitCode,
		Err:      err,
	}
}
