package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinels for errors.Is matching across the error kinds below.
var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRiskLimitExceeded   = errors.New("risk limit exceeded")
	ErrEmergencyStop       = errors.New("emergency stop")
	ErrOrderExecution      = errors.New("order execution failed")
	ErrRateLimitExceeded   = errors.New("rate limit exceeded")
	ErrStrategy            = errors.New("strategy failed")
)

// ValidationError rejects malformed input before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation [%s]: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InsufficientBalanceError is raised by reservation and execution paths.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
	Currency  string
	Deficit   decimal.Decimal
}

func NewInsufficientBalanceError(required, available decimal.Decimal, currency string) *InsufficientBalanceError {
	deficit := required.Sub(available)
	if deficit.IsNegative() {
		deficit = decimal.Zero
	}
	return &InsufficientBalanceError{
		Required:  required,
		Available: available,
		Currency:  currency,
		Deficit:   deficit,
	}
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient %s balance: required %s, available %s (deficit %s)",
		e.Currency, e.Required, e.Available, e.Deficit)
}

func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// RiskLimitExceededError reports a breached risk limit.
type RiskLimitExceededError struct {
	Limit  string
	Reason string
}

func (e *RiskLimitExceededError) Error() string {
	return fmt.Sprintf("risk limit %s exceeded: %s", e.Limit, e.Reason)
}

func (e *RiskLimitExceededError) Is(target error) bool { return target == ErrRiskLimitExceeded }

// EmergencyStopError is never recoverable: trading stays halted until an
// explicit reset.
type EmergencyStopError struct {
	Reason string
	Err    error
}

func (e *EmergencyStopError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("emergency stop: %s: %v", e.Reason, e.Err)
	}
	return "emergency stop: " + e.Reason
}

func (e *EmergencyStopError) Unwrap() error { return e.Err }

func (e *EmergencyStopError) Is(target error) bool { return target == ErrEmergencyStop }

func (e *EmergencyStopError) Recoverable() bool { return false }

// OrderExecutionError wraps a failed exchange call.
type OrderExecutionError struct {
	Op  string
	Err error
}

func (e *OrderExecutionError) Error() string {
	return fmt.Sprintf("order %s: %v", e.Op, e.Err)
}

func (e *OrderExecutionError) Unwrap() error { return e.Err }

func (e *OrderExecutionError) Is(target error) bool { return target == ErrOrderExecution }

func (e *OrderExecutionError) Recoverable() bool { return true }

// RateLimitExceededError tells the caller to back off and retry.
type RateLimitExceededError struct {
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d requests per %s, retry after %s", e.Limit, e.Window, e.RetryAfter)
}

func (e *RateLimitExceededError) Is(target error) bool { return target == ErrRateLimitExceeded }

func (e *RateLimitExceededError) Recoverable() bool { return true }

// StrategyError stays inside the orchestrator.
type StrategyError struct {
	StrategyID string
	Err        error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %s: %v", e.StrategyID, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

func (e *StrategyError) Is(target error) bool { return target == ErrStrategy }

// IsRecoverable reports whether the caller may retry after err.
func IsRecoverable(err error) bool {
	var r interface{ Recoverable() bool }
	if errors.As(err, &r) {
		return r.Recoverable()
	}
	return !errors.Is(err, ErrValidation)
}
