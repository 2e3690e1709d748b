package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredits     = errors.New("insufficient credits")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrUserNotFound            = errors.New("user not found")
	ErrUserExists              = errors.New("user already exists")
	ErrInvitationNotFound      = errors.New("invitation not found")
	ErrInvitationNotPending    = errors.New("invitation already used")
	ErrInvitationExpired       = errors.New("invitation expired")
	ErrItemAlreadyOwned        = errors.New("item already owned")
	ErrSettingNotFound         = errors.New("setting not found")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidEmail            = errors.New("invalid email address")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidCredits          = errors.New("invalid credit amount")
	ErrInvalidEntryType        = errors.New("invalid entry type")
	ErrInvalidInvitationStatus = errors.New("invalid invitation status")
	ErrInvalidSettingValue     = errors.New("invalid setting value")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
