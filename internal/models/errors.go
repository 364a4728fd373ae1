package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Ledger errors
var (
	ErrDuplicateEntry          = errors.New("duplicate ledger entry")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidCurrency         = errors.New("invalid currency")
	ErrInvalidPaymentType      = errors.New("invalid payment type")
	ErrInvalidEntryStatus      = errors.New("invalid entry status")
	ErrImmutableEntry          = errors.New("ledger entry is no longer pending")
	ErrEntryNotFound           = errors.New("ledger entry not found")
	ErrQuoteNotFound           = errors.New("quote not found")
	ErrExchangeRateUnavailable = errors.New("exchange rate unavailable")
)

// Webhook errors
var (
	ErrInvalidEvent       = errors.New("invalid gateway event")
	ErrInvalidSignature   = errors.New("invalid webhook signature")
	ErrUnmatchedRefund    = errors.New("refund does not match any allocated refund item")
	ErrUnsupportedGateway = errors.New("unsupported gateway")
)

// Refund errors
var (
	ErrInsufficientRefundableBalance = errors.New("insufficient refundable balance")
	ErrRefundNotFound                = errors.New("refund request not found")
	ErrRefundItemNotFound            = errors.New("refund item not found")
	ErrInvalidRefundState            = errors.New("invalid refund state transition")
	ErrAllocationMismatch            = errors.New("allocation amount does not match approved amount")
	ErrLockTimeout                   = errors.New("timed out waiting for quote lock")
)

// Reconciliation errors
var (
	ErrSessionNotFound           = errors.New("reconciliation session not found")
	ErrSessionClosed             = errors.New("reconciliation session is completed")
	ErrUnresolvedDiscrepancies   = errors.New("reconciliation session has unresolved discrepancies")
	ErrItemNotFound              = errors.New("reconciliation item not found")
	ErrInvalidResolution         = errors.New("invalid resolution")
	ErrMatchingIncomplete        = errors.New("reconciliation matching has not finished")
	ErrInvalidStatement          = errors.New("invalid statement")
	ErrLedgerEntryAlreadyMatched = errors.New("ledger entry already matched in this session")
)

// InsufficientBalanceError carries the refundable balance computed at
// allocation time.
type InsufficientBalanceError struct {
	Requested  decimal.Decimal
	Refundable decimal.Decimal
	Currency   string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("%s: requested %s %s, refundable %s %s",
		ErrInsufficientRefundableBalance, e.Requested.StringFixed(2), e.Currency,
		e.Refundable.StringFixed(2), e.Currency)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientRefundableBalance
}

// UnresolvedDiscrepanciesError reports how many items block completion
type UnresolvedDiscrepanciesError struct {
	Count int
}

func (e *UnresolvedDiscrepanciesError) Error() string {
	return fmt.Sprintf("%s: %d unresolved", ErrUnresolvedDiscrepancies, e.Count)
}

func (e *UnresolvedDiscrepanciesError) Unwrap() error {
	return ErrUnresolvedDiscrepancies
}
