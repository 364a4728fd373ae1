package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-service/internal/models"
)

// DefaultPaymentTolerance is the absolute tolerance used to classify a quote
// as paid.
var DefaultPaymentTolerance = decimal.RequireFromString("0.01")

// ProjectionStore is the transactional view the projector reads entries from
// and writes the quote's derived fields to.
type ProjectionStore interface {
	GetQuoteForUpdate(ctx context.Context, id uuid.UUID) (*models.QuoteRef, error)
	ListCompletedEntriesByQuote(ctx context.Context, quoteID uuid.UUID) ([]models.PaymentLedgerEntry, error)
	UpdateQuotePayment(ctx context.Context, id uuid.UUID, amountPaid decimal.Decimal, status models.QuotePaymentStatus) error
}

// Projection is the result of a recomputation
type Projection struct {
	QuoteID        uuid.UUID
	FinalTotal     decimal.Decimal
	Currency       string
	AmountPaid     decimal.Decimal
	Status         models.QuotePaymentStatus
	PreviousStatus models.QuotePaymentStatus
}

// Changed reports whether the payment status moved
func (p *Projection) Changed() bool {
	return p != nil && p.Status != p.PreviousStatus
}

// PaymentStatusProjector derives amount_paid and payment_status from the ledger
type PaymentStatusProjector struct {
	tolerance decimal.Decimal
}

// NewPaymentStatusProjector creates a projector with the given tolerance
func NewPaymentStatusProjector(tolerance decimal.Decimal) *PaymentStatusProjector {
	if tolerance.IsNegative() || tolerance.IsZero() {
		tolerance = DefaultPaymentTolerance
	}
	return &PaymentStatusProjector{tolerance: tolerance}
}

// AmountPaid sums the completed entries in settlement currency: payments and
// applied credits add, refunds subtract, adjustments carry their own sign.
func (p *PaymentStatusProjector) AmountPaid(entries []models.PaymentLedgerEntry) decimal.Decimal {
	total := decimal.Zero
	for i := range entries {
		total = total.Add(entries[i].SignedBaseAmount())
	}
	return total
}

// Status classifies amountPaid against finalTotal
func (p *PaymentStatusProjector) Status(amountPaid, finalTotal decimal.Decimal) models.QuotePaymentStatus {
	switch {
	case amountPaid.LessThanOrEqual(p.tolerance):
		return models.QuoteUnpaid
	case amountPaid.Sub(finalTotal).Abs().LessThanOrEqual(p.tolerance):
		return models.QuotePaid
	case amountPaid.GreaterThan(finalTotal.Add(p.tolerance)):
		return models.QuoteOverpaid
	default:
		return models.QuotePartial
	}
}

// Recompute derives the projection for a quote from its completed entries and
// writes it back through store. Running it twice yields the same result.
func (p *PaymentStatusProjector) Recompute(ctx context.Context, store ProjectionStore, quoteID uuid.UUID) (*Projection, error) {
	quote, err := store.GetQuoteForUpdate(ctx, quoteID)
	if err != nil {
		return nil, err
	}

	entries, err := store.ListCompletedEntriesByQuote(ctx, quoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}

	amountPaid := p.AmountPaid(entries)
	projection := &Projection{
		QuoteID:        quoteID,
		FinalTotal:     quote.FinalTotal,
		Currency:       quote.FinalCurrency,
		AmountPaid:     amountPaid,
		Status:         p.Status(amountPaid, quote.FinalTotal),
		PreviousStatus: quote.PaymentStatus,
	}

	if quote.AmountPaid.Equal(projection.AmountPaid) && quote.PaymentStatus == projection.Status {
		return projection, nil
	}

	if err := store.UpdateQuotePayment(ctx, quoteID, projection.AmountPaid, projection.Status); err != nil {
		return nil, fmt.Errorf("failed to update quote payment status: %w", err)
	}
	return projection, nil
}
