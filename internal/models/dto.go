package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SyncQuoteRequest registers or updates the totals of a quote
type SyncQuoteRequest struct {
	FinalTotal    decimal.Decimal `json:"finalTotal" binding:"required"`
	FinalCurrency string          `json:"finalCurrency" binding:"required"`
}

// CreateLedgerEntryRequest is a manually recorded ledger entry
type CreateLedgerEntryRequest struct {
	PaymentType          PaymentType     `json:"paymentType" binding:"required"`
	Amount               decimal.Decimal `json:"amount" binding:"required"`
	Currency             string          `json:"currency" binding:"required"`
	PaymentMethod        string          `json:"paymentMethod"`
	GatewayCode          GatewayCode     `json:"gatewayCode"`
	GatewayTransactionID string          `json:"gatewayTransactionId"`
	ReferenceNumber      string          `json:"referenceNumber"`
	PaymentDate          *time.Time      `json:"paymentDate"`
	Status               EntryStatus     `json:"status"`
}

// LedgerEntryResponse is returned after a ledger write
type LedgerEntryResponse struct {
	EntryID uuid.UUID `json:"entryId"`
	Created bool      `json:"created"`
}

// PaymentStatusResponse is the projected payment state of a quote
type PaymentStatusResponse struct {
	QuoteID       uuid.UUID          `json:"quoteId"`
	FinalTotal    decimal.Decimal    `json:"finalTotal"`
	Currency      string             `json:"currency"`
	AmountPaid    decimal.Decimal    `json:"amountPaid"`
	PaymentStatus QuotePaymentStatus `json:"paymentStatus"`
}

// LedgerListResponse lists the entries of a quote
type LedgerListResponse struct {
	QuoteID    uuid.UUID            `json:"quoteId"`
	Entries    []PaymentLedgerEntry `json:"entries"`
	SignedSum  decimal.Decimal      `json:"signedSum"`
	EntryCount int                  `json:"entryCount"`
}

// TransitionEntryRequest settles a pending ledger entry
type TransitionEntryRequest struct {
	Status EntryStatus `json:"status" binding:"required"`
}

// CreateRefundRequest opens a refund request for a quote
type CreateRefundRequest struct {
	QuoteID    uuid.UUID       `json:"quoteId" binding:"required"`
	RefundType RefundType      `json:"refundType" binding:"required"`
	Amount     decimal.Decimal `json:"amount" binding:"required"`
	Currency   string          `json:"currency" binding:"required"`
	Reason     string          `json:"reason"`
}

// ApproveRefundRequest approves a refund request, optionally for a lower amount
type ApproveRefundRequest struct {
	ApprovedAmount *decimal.Decimal `json:"approvedAmount"`
}

// CancelRefundRequest cancels a refund request
type CancelRefundRequest struct {
	Reason string `json:"reason"`
}

// ConfirmRefundItemRequest confirms a refund item with the gateway refund id
type ConfirmRefundItemRequest struct {
	GatewayRefundID string `json:"gatewayRefundId"`
}

// FailRefundItemRequest marks a refund item as failed
type FailRefundItemRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// InsufficientBalanceResponse is returned when a refund cannot be allocated
type InsufficientBalanceResponse struct {
	Error             string          `json:"error"`
	Message           string          `json:"message"`
	Code              string          `json:"code"`
	RequestedAmount   decimal.Decimal `json:"requestedAmount"`
	RefundableBalance decimal.Decimal `json:"refundableBalance"`
	Currency          string          `json:"currency"`
}

// StatementLineInput is one statement row supplied to a new session
type StatementLineInput struct {
	Date        time.Time       `json:"date" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Currency    string          `json:"currency"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
}

// StartReconciliationRequest opens a reconciliation session
type StartReconciliationRequest struct {
	PaymentMethod     string               `json:"paymentMethod"`
	GatewayCode       GatewayCode          `json:"gatewayCode"`
	PeriodStart       time.Time            `json:"periodStart" binding:"required"`
	PeriodEnd         time.Time            `json:"periodEnd" binding:"required"`
	OpeningBalance    decimal.Decimal      `json:"openingBalance"`
	PreviousSessionID *uuid.UUID           `json:"previousSessionId"`
	Lines             []StatementLineInput `json:"lines"`
	Run               bool                 `json:"run"`
}

// ResolveItemRequest resolves a reconciliation item
type ResolveItemRequest struct {
	Action  ResolutionAction `json:"action" binding:"required"`
	Notes   string           `json:"notes"`
	QuoteID *uuid.UUID       `json:"quoteId"`
}

// ManualMatchRequest links a statement-only item to a ledger entry
type ManualMatchRequest struct {
	LedgerEntryID uuid.UUID `json:"ledgerEntryId" binding:"required"`
	Notes         string    `json:"notes"`
}

// IgnoreItemRequest excludes a reconciliation item
type IgnoreItemRequest struct {
	Notes string `json:"notes"`
}

// CompleteSessionRequest completes a reconciliation session
type CompleteSessionRequest struct {
	Override bool `json:"override"`
}

// ReconciliationSummary aggregates the items of a session
type ReconciliationSummary struct {
	Session          ReconciliationSession `json:"session"`
	ExactMatches     int                   `json:"exactMatches"`
	FuzzyMatches     int                   `json:"fuzzyMatches"`
	ManualMatches    int                   `json:"manualMatches"`
	Unmatched        int                   `json:"unmatched"`
	Unresolved       int                   `json:"unresolved"`
	TotalDiscrepancy decimal.Decimal       `json:"totalDiscrepancy"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}
