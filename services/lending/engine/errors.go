package engine

import (
	"context"
	"errors"
	"fmt"

	nativecommon "lendingcore/native/common"
	"lendingcore/native/lending"
)

var (
	ErrNotFound               = errors.New("lending: not found")
	ErrConflict               = errors.New("lending: already exists")
	ErrInvalidArgument        = errors.New("lending: invalid argument")
	ErrInvalidAmount          = errors.New("lending: invalid amount")
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral")
	ErrInsufficientFunds      = errors.New("lending: insufficient funds")
	ErrRepayExceedsDebt       = errors.New("lending: repay exceeds debt")
	ErrInsufficientLiquidity  = errors.New("lending: insufficient liquidity")
	ErrPaused                 = errors.New("lending: operation paused")
	ErrTransferFailed         = errors.New("lending: custody transfer failed")
	ErrUnavailable            = errors.New("lending: dependency unavailable")
	ErrUnauthorized           = errors.New("lending: unauthorized")
	ErrInternal               = errors.New("lending: internal error")
)

var translations = []struct {
	native  error
	service error
}{
	{lending.ErrTransferFailed, ErrTransferFailed},
	{lending.ErrPoolNotFound, ErrNotFound},
	{lending.ErrPositionNotFound, ErrNotFound},
	{lending.ErrPoolExists, ErrConflict},
	{lending.ErrPositionExists, ErrConflict},
	{lending.ErrInvalidParams, ErrInvalidArgument},
	{lending.ErrInvalidAmount, ErrInvalidAmount},
	{lending.ErrOverTheBorrowableAmount, ErrInsufficientCollateral},
	{lending.ErrInsufficientFunds, ErrInsufficientFunds},
	{lending.ErrInsufficientRepayAmount, ErrRepayExceedsDebt},
	{lending.ErrInsufficientLiquidity, ErrInsufficientLiquidity},
	{nativecommon.ErrModulePaused, ErrPaused},
	{lending.ErrStalePrice, ErrUnavailable},
	{lending.ErrPriceUnavailable, ErrUnavailable},
	{context.Canceled, ErrUnavailable},
	{context.DeadlineExceeded, ErrUnavailable},
}

// translate maps native ledger errors onto the service sentinels while keeping
// the original message.
func translate(err error) error {
	if err == nil {
		return nil
	}
	for _, t := range translations {
		if errors.Is(err, t.native) {
			return fmt.Errorf("%w: %v", t.service, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrInternal, err)
}
