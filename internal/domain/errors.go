package domain

import "fmt"

const (
	CodeNoOpenShift            = "no_open_shift"
	CodeMembershipExpired      = "membership_expired"
	CodeInsufficientCash       = "insufficient_cash"
	CodeInsufficientPoints     = "insufficient_points"
	CodeRedemptionExceedsTotal = "redemption_exceeds_total"
	CodeEmptyCart              = "empty_cart"
	CodeCustomerRequired       = "customer_required"
	CodeInvalidRequest         = "invalid_request"
	CodeDiscountNotApplicable  = "discount_not_applicable"
	CodeInvalidAdjustment      = "invalid_adjustment"
	CodeOrderNumberTaken       = "order_number_taken"
)

// ValidationError blocks an operation before anything is written.
type ValidationError struct {
	Code    string
	Message string
}

func NewValidationError(code string, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TransientRemoteError marks a remote call that failed for connectivity reasons.
type TransientRemoteError struct {
	Op  string
	Err error
}

func (e *TransientRemoteError) Error() string {
	return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
}

func (e *TransientRemoteError) Unwrap() error { return e.Err }

// SecondaryEffectError is a stock or ledger failure after the receipt exists.
type SecondaryEffectError struct {
	Effect string
	Err    error
}

func (e *SecondaryEffectError) Error() string {
	return fmt.Sprintf("%s: %v", e.Effect, e.Err)
}

func (e *SecondaryEffectError) Unwrap() error { return e.Err }

type FatalLocalError struct {
	Op  string
	Err error
}

func (e *FatalLocalError) Error() string {
	return fmt.Sprintf("local %s: %v", e.Op, e.Err)
}

func (e *FatalLocalError) Unwrap() error { return e.Err }
