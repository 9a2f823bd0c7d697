package lending

import (
	"context"
	"errors"

	nativecommon "lendingcore/native/common"
)

var (
	ErrInvalidAmount           = errors.New("lending: amount must be positive")
	ErrInsufficientFunds       = errors.New("lending: insufficient funds")
	ErrInsufficientRepayAmount = errors.New("lending: repay amount exceeds outstanding debt")
	ErrOverTheBorrowableAmount = errors.New("lending: over the borrowable amount")
	ErrInsufficientLiquidity   = errors.New("lending: insufficient pool liquidity")
	ErrStalePrice              = errors.New("lending: stale price")
	ErrPriceUnavailable        = errors.New("lending: price unavailable")
	ErrTransferFailed          = errors.New("lending: transfer failed")
	ErrArithmeticOverflow      = errors.New("lending: arithmetic overflow")
	ErrDivisionByZero          = errors.New("lending: division by zero")
	ErrInvalidTimeRange        = errors.New("lending: invalid time range")
	ErrAccrualOverflow         = errors.New("lending: accrual overflow")
	ErrInvariantViolation      = errors.New("lending: invariant violation")
	ErrPoolNotFound            = errors.New("lending: pool not found")
	ErrPoolExists              = errors.New("lending: pool already exists")
	ErrPositionNotFound        = errors.New("lending: position not found")
	ErrPositionExists          = errors.New("lending: position already exists")
	ErrInvalidParams           = errors.New("lending: invalid parameters")
	ErrNilState                = errors.New("lending: state not configured")
)

// Outcome buckets an operation result for logging and metrics.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeRejected    Outcome = "rejected"
	OutcomeUnavailable Outcome = "unavailable"
	OutcomeInternal    Outcome = "internal"
)

var rejected = []error{
	ErrInvalidAmount,
	ErrInsufficientFunds,
	ErrInsufficientRepayAmount,
	ErrOverTheBorrowableAmount,
	ErrInsufficientLiquidity,
	ErrPoolNotFound,
	ErrPoolExists,
	ErrPositionNotFound,
	ErrPositionExists,
	ErrInvalidParams,
	nativecommon.ErrModulePaused,
}

var unavailable = []error{
	ErrStalePrice,
	ErrPriceUnavailable,
	ErrTransferFailed,
	context.Canceled,
	context.DeadlineExceeded,
}

// Classify maps an operation error onto its outcome. Rejections are caused by
// the caller, unavailability by a collaborator, anything else is internal.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	// A failed custody leg is never the caller's fault, whatever it wraps.
	if errors.Is(err, ErrTransferFailed) {
		return OutcomeUnavailable
	}
	for _, target := range rejected {
		if errors.Is(err, target) {
			return OutcomeRejected
		}
	}
	for _, target := range unavailable {
		if errors.Is(err, target) {
			return OutcomeUnavailable
		}
	}
	return OutcomeInternal
}
