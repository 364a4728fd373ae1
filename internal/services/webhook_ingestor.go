package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ledger-service/internal/models"
)

// LedgerWriter is the part of the ledger the ingestor writes through
type LedgerWriter interface {
	Append(ctx context.Context, entry *models.PaymentLedgerEntry) (uuid.UUID, error)
	FindByIdempotencyKey(ctx context.Context, quoteID uuid.UUID, gateway models.GatewayCode, txnID string) (*models.PaymentLedgerEntry, error)
	PaymentStatus(ctx context.Context, quoteID uuid.UUID) (*models.QuoteRef, error)
}

// RefundConfirmer settles refund items reported by a gateway
type RefundConfirmer interface {
	ConfirmByGatewayRefundID(ctx context.Context, gatewayRefundID string) (uuid.UUID, bool, error)
	FailByGatewayRefundID(ctx context.Context, gatewayRefundID, reason string) error
}

// WebhookIngestor turns verified gateway events into ledger entries exactly
// once per (quote, gateway, transaction id).
type WebhookIngestor struct {
	ledger  LedgerWriter
	rates   RateProvider
	refunds RefundConfirmer
	metrics *Metrics
	logger  *logrus.Entry
}

// NewWebhookIngestor creates a new ingestor. refunds and metrics may be nil.
func NewWebhookIngestor(ledger LedgerWriter, rates RateProvider, refunds RefundConfirmer, metrics *Metrics, logger *logrus.Logger) *WebhookIngestor {
	return &WebhookIngestor{
		ledger:  ledger,
		rates:   rates,
		refunds: refunds,
		metrics: metrics,
		logger:  logger.WithField("component", "webhook_ingestor"),
	}
}

// SetRefundConfirmer wires the refund workflow after construction
func (w *WebhookIngestor) SetRefundConfirmer(refunds RefundConfirmer) {
	w.refunds = refunds
}

// Ingest records a gateway event. Replays of an already recorded event
// return the existing entry id with created=false and no error.
func (w *WebhookIngestor) Ingest(ctx context.Context, event *models.GatewayEvent) (uuid.UUID, bool, error) {
	started := time.Now()
	id, created, err := w.ingest(ctx, event)

	result := "created"
	switch {
	case err != nil:
		result = "error"
	case !created:
		result = "duplicate"
	}
	w.metrics.observeWebhook(string(event.GatewayCode), result, started)
	return id, created, err
}

func (w *WebhookIngestor) ingest(ctx context.Context, event *models.GatewayEvent) (uuid.UUID, bool, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, false, err
	}

	switch event.Kind {
	case models.EventPaymentSucceeded:
		return w.ingestPayment(ctx, event)
	case models.EventRefundSucceeded:
		return w.ingestRefund(ctx, event)
	case models.EventRefundFailed:
		return w.ingestRefundFailure(ctx, event)
	case models.EventIgnored:
		return uuid.Nil, false, nil
	default:
		return uuid.Nil, false, fmt.Errorf("%w: unknown kind %q", models.ErrInvalidEvent, event.Kind)
	}
}

func (w *WebhookIngestor) ingestPayment(ctx context.Context, event *models.GatewayEvent) (uuid.UUID, bool, error) {
	if err := validateEvent(event); err != nil {
		return uuid.Nil, false, err
	}

	existing, err := w.ledger.FindByIdempotencyKey(ctx, event.QuoteID, event.GatewayCode, event.GatewayTransactionID)
	if err == nil {
		w.duplicate(event, existing.ID)
		return existing.ID, false, nil
	}
	if !errors.Is(err, models.ErrEntryNotFound) {
		return uuid.Nil, false, err
	}

	quote, err := w.ledger.PaymentStatus(ctx, event.QuoteID)
	if err != nil {
		return uuid.Nil, false, err
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	rate, err := w.rates.RateAt(ctx, event.Currency, quote.FinalCurrency, occurredAt)
	if err != nil {
		return uuid.Nil, false, err
	}

	txnID := event.GatewayTransactionID
	entry := &models.PaymentLedgerEntry{
		QuoteID:              event.QuoteID,
		Type:                 models.PaymentTypeCustomerPayment,
		Amount:               event.Amount,
		Currency:             event.Currency,
		ExchangeRate:         rate,
		BaseAmount:           ConvertAmount(event.Amount, rate),
		SettlementCurrency:   quote.FinalCurrency,
		PaymentMethod:        event.PaymentMethod,
		GatewayCode:          event.GatewayCode,
		GatewayTransactionID: &txnID,
		ReferenceNumber:      event.ReferenceNumber,
		Status:               models.EntryCompleted,
		PaymentDate:          occurredAt,
		CreatedBy:            "webhook:" + string(event.GatewayCode),
	}

	id, err := w.ledger.Append(ctx, entry)
	if err != nil {
		if errors.Is(err, models.ErrDuplicateEntry) {
			// lost a race with a concurrent delivery of the same event
			w.duplicate(event, id)
			return id, false, nil
		}
		return uuid.Nil, false, err
	}

	w.logger.WithFields(logrus.Fields{
		"quote_id": event.QuoteID,
		"gateway":  event.GatewayCode,
		"txn_id":   txnID,
		"entry_id": id,
	}).Info("payment recorded")
	return id, true, nil
}

func (w *WebhookIngestor) ingestRefund(ctx context.Context, event *models.GatewayEvent) (uuid.UUID, bool, error) {
	if event.GatewayRefundID == "" {
		return uuid.Nil, false, fmt.Errorf("%w: refund event without refund id", models.ErrInvalidEvent)
	}
	if w.refunds == nil {
		return uuid.Nil, false, fmt.Errorf("%w: %s", models.ErrUnmatchedRefund, event.GatewayRefundID)
	}

	id, created, err := w.refunds.ConfirmByGatewayRefundID(ctx, event.GatewayRefundID)
	if err != nil {
		if errors.Is(err, models.ErrRefundItemNotFound) {
			return uuid.Nil, false, fmt.Errorf("%w: %s", models.ErrUnmatchedRefund, event.GatewayRefundID)
		}
		return uuid.Nil, false, err
	}
	if !created {
		w.duplicate(event, id)
	}
	return id, created, nil
}

func (w *WebhookIngestor) ingestRefundFailure(ctx context.Context, event *models.GatewayEvent) (uuid.UUID, bool, error) {
	if event.GatewayRefundID == "" || w.refunds == nil {
		return uuid.Nil, false, fmt.Errorf("%w: %s", models.ErrUnmatchedRefund, event.GatewayRefundID)
	}
	err := w.refunds.FailByGatewayRefundID(ctx, event.GatewayRefundID, event.FailureReason)
	if errors.Is(err, models.ErrRefundItemNotFound) {
		return uuid.Nil, false, fmt.Errorf("%w: %s", models.ErrUnmatchedRefund, event.GatewayRefundID)
	}
	return uuid.Nil, false, err
}

func (w *WebhookIngestor) duplicate(event *models.GatewayEvent, id uuid.UUID) {
	w.metrics.duplicateIgnored(string(event.GatewayCode))
	w.logger.WithFields(logrus.Fields{
		"gateway":  event.GatewayCode,
		"event_id": event.EventID,
		"entry_id": id,
	}).Debug("duplicate gateway event ignored")
}

// validateEvent checks a payment event before any lookup
func validateEvent(event *models.GatewayEvent) error {
	if event.QuoteID == uuid.Nil {
		return fmt.Errorf("%w: quote id is required", models.ErrInvalidEvent)
	}
	if event.GatewayCode == "" || event.GatewayTransactionID == "" {
		return fmt.Errorf("%w: gateway code and transaction id are required", models.ErrInvalidEvent)
	}
	event.Currency = strings.ToUpper(event.Currency)
	if !validCurrency(event.Currency) {
		return fmt.Errorf("%w: %q", models.ErrInvalidCurrency, event.Currency)
	}
	if !event.Amount.IsPositive() {
		return fmt.Errorf("%w: %s", models.ErrInvalidAmount, event.Amount.String())
	}
	return nil
}
