package domain

import (
	"errors"
	"fmt"
)

// -----------------------------
// EvaluationError
// -----------------------------

type EvaluationError struct {
	FlagKey string
	Reason  string
	Err     error
}

func NewEvaluationError(flagKey, reason string, err error) *EvaluationError {
	return &EvaluationError{
		FlagKey: flagKey,
		Reason:  reason,
		Err:     err,
	}
}

func (e *EvaluationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evaluation error on flag %s: %s: %v", e.FlagKey, e.Reason, e.Err)
	}
	return fmt.Sprintf("evaluation error on flag %s: %s", e.FlagKey, e.Reason)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

func IsEvaluationError(err error) bool {
	var target *EvaluationError
	return errors.As(err, &target)
}

// -----------------------------
// ValidationError
// -----------------------------

type ValidationError struct {
	Message string
}

func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
