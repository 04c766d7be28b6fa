package billing

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the billing engine.
var (
	ErrAccountNotFound       = errors.New("account not found")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrPurchaseNotFound      = errors.New("purchase not found")
	ErrPurchaseExists        = errors.New("purchase already exists")
	ErrTerminalStateConflict = errors.New("terminal state conflict")
	ErrDuplicateReference    = errors.New("duplicate ledger reference")
	ErrInvalidAccountID      = errors.New("invalid account id")
	ErrInvalidOwnerID        = errors.New("invalid owner id")
	ErrInvalidAccountKind    = errors.New("invalid account kind")
	ErrInvalidUnits          = errors.New("invalid units")
	ErrInvalidUnitsDelta     = errors.New("invalid units delta")
	ErrInvalidAmountCents    = errors.New("invalid amount cents")
	ErrInvalidReason         = errors.New("invalid reason")
	ErrInvalidReference      = errors.New("invalid reference")
	ErrInvalidExternalRef    = errors.New("invalid external ref")
	ErrInvalidPurchaseID     = errors.New("invalid purchase id")
	ErrInvalidPurchaseStatus = errors.New("invalid purchase status")
	ErrInvalidMetadataJSON   = errors.New("invalid metadata json")
	ErrInvalidEngineConfig   = errors.New("invalid engine config")
)

// InsufficientFundsError reports how short a debit fell so callers can
// surface "need X, have Y" instead of a generic failure.
type InsufficientFundsError struct {
	NeedUnits int64
	HaveUnits int64
}

// Error returns the formatted message.
func (insufficiency InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", insufficiency.NeedUnits, insufficiency.HaveUnits)
}

// Is matches the ErrInsufficientFunds sentinel so callers branch with errors.Is.
func (insufficiency InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

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
