package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"ledger-service/internal/models"
	"ledger-service/internal/repository"
)

// EventPublisher publishes ledger-driven domain events. Implementations must
// be safe to call after the originating transaction has committed.
type EventPublisher interface {
	PublishQuotePaid(ctx context.Context, quoteID uuid.UUID, amountPaid decimal.Decimal, currency string) error
	PublishRefundCompleted(ctx context.Context, quoteID, refundRequestID, entryID uuid.UUID, amount decimal.Decimal, currency, reason string) error
}

// LedgerService is the append-only store of payment ledger entries. Every
// completed write recomputes the quote's payment status in the same
// transaction.
type LedgerService struct {
	repo      *repository.Repository
	projector *PaymentStatusProjector
	rates     RateProvider
	publisher EventPublisher
	metrics   *Metrics
	logger    *logrus.Entry
}

// NewLedgerService creates a new ledger service. publisher and metrics may be nil.
func NewLedgerService(repo *repository.Repository, projector *PaymentStatusProjector, rates RateProvider, publisher EventPublisher, metrics *Metrics, logger *logrus.Logger) *LedgerService {
	return &LedgerService{
		repo:      repo,
		projector: projector,
		rates:     rates,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.WithField("component", "ledger"),
	}
}

// Append validates and stores an entry. A completed entry whose idempotency
// key already exists yields ErrDuplicateEntry together with the existing id.
func (s *LedgerService) Append(ctx context.Context, entry *models.PaymentLedgerEntry) (uuid.UUID, error) {
	if err := s.prepare(ctx, entry); err != nil {
		return uuid.Nil, err
	}

	var (
		id         uuid.UUID
		projection *Projection
	)
	err := s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		var err error
		id, projection, err = s.AppendInTx(ctx, txRepo, entry)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrDuplicateEntry) {
			return id, err
		}
		return uuid.Nil, err
	}

	s.metrics.entryAppended(string(entry.Type), string(entry.Status))
	s.afterProjection(ctx, projection)
	return id, nil
}

// AppendInTx stores a fully prepared entry inside an existing transaction.
// The caller is responsible for calling AfterCommit with the projection.
func (s *LedgerService) AppendInTx(ctx context.Context, txRepo *repository.Repository, entry *models.PaymentLedgerEntry) (uuid.UUID, *Projection, error) {
	if err := validateEntry(entry); err != nil {
		return uuid.Nil, nil, err
	}
	if entry.ExchangeRate.IsZero() || entry.SettlementCurrency == "" {
		return uuid.Nil, nil, fmt.Errorf("%w: entry has no exchange rate", models.ErrExchangeRateUnavailable)
	}

	// lock the quote first so concurrent writers for it serialize
	if _, err := txRepo.GetQuoteForUpdate(ctx, entry.QuoteID); err != nil {
		return uuid.Nil, nil, err
	}

	inserted, err := txRepo.InsertEntry(ctx, entry)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	if !inserted {
		existing, err := txRepo.FindCompletedEntryByKey(ctx, entry.QuoteID, entry.GatewayCode, entry.TxnRef())
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("failed to load existing ledger entry: %w", err)
		}
		return existing.ID, nil, models.ErrDuplicateEntry
	}

	if entry.Status != models.EntryCompleted {
		return entry.ID, nil, nil
	}

	projection, err := s.projector.Recompute(ctx, txRepo, entry.QuoteID)
	if err != nil {
		return uuid.Nil, nil, err
	}
	return entry.ID, projection, nil
}

// AfterCommit runs the side effects of a committed projection
func (s *LedgerService) AfterCommit(ctx context.Context, projection *Projection) {
	s.afterProjection(ctx, projection)
}

// ListByQuote lists every entry of a quote in chronological order
func (s *LedgerService) ListByQuote(ctx context.Context, quoteID uuid.UUID) ([]models.PaymentLedgerEntry, error) {
	return s.repo.ListEntriesByQuote(ctx, quoteID)
}

// SumSigned returns the signed sum of the quote's completed entries in
// settlement currency, the value amount_paid is projected from.
func (s *LedgerService) SumSigned(ctx context.Context, quoteID uuid.UUID) (decimal.Decimal, error) {
	entries, err := s.repo.ListCompletedEntriesByQuote(ctx, quoteID)
	if err != nil {
		return decimal.Zero, err
	}
	return s.projector.AmountPaid(entries), nil
}

// Get returns a ledger entry
func (s *LedgerService) Get(ctx context.Context, id uuid.UUID) (*models.PaymentLedgerEntry, error) {
	return s.repo.GetEntry(ctx, id)
}

// FindByIdempotencyKey returns the completed entry recorded for a gateway transaction
func (s *LedgerService) FindByIdempotencyKey(ctx context.Context, quoteID uuid.UUID, gateway models.GatewayCode, txnID string) (*models.PaymentLedgerEntry, error) {
	return s.repo.FindCompletedEntryByKey(ctx, quoteID, gateway, txnID)
}

// TransitionPending settles a pending entry. Completed, failed and cancelled
// entries are immutable.
func (s *LedgerService) TransitionPending(ctx context.Context, id uuid.UUID, status models.EntryStatus) error {
	if status == models.EntryPending || !status.IsValid() {
		return fmt.Errorf("%w: %s", models.ErrInvalidEntryStatus, status)
	}

	var projection *Projection
	err := s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		entry, err := txRepo.GetEntryForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if entry.Status != models.EntryPending {
			return fmt.Errorf("%w: entry %s is %s", models.ErrImmutableEntry, id, entry.Status)
		}
		if _, err := txRepo.GetQuoteForUpdate(ctx, entry.QuoteID); err != nil {
			return err
		}

		if status == models.EntryCompleted && entry.GatewayTransactionID != nil {
			if _, err := txRepo.FindCompletedEntryByKey(ctx, entry.QuoteID, entry.GatewayCode, entry.TxnRef()); err == nil {
				return models.ErrDuplicateEntry
			} else if !errors.Is(err, models.ErrEntryNotFound) {
				return err
			}
		}

		ok, err := txRepo.TransitionPendingEntry(ctx, id, status)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: entry %s", models.ErrImmutableEntry, id)
		}
		if status != models.EntryCompleted {
			return nil
		}

		projection, err = s.projector.Recompute(ctx, txRepo, entry.QuoteID)
		return err
	})
	if err != nil {
		return err
	}

	s.afterProjection(ctx, projection)
	return nil
}

// SyncQuote registers a quote or updates its totals, then reprojects it
func (s *LedgerService) SyncQuote(ctx context.Context, quoteID uuid.UUID, finalTotal decimal.Decimal, currency string) (*Projection, error) {
	currency = strings.ToUpper(currency)
	if !validCurrency(currency) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidCurrency, currency)
	}
	if finalTotal.IsNegative() {
		return nil, fmt.Errorf("%w: final total must not be negative", models.ErrInvalidAmount)
	}

	var projection *Projection
	err := s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		// entries carry base amounts in the settlement currency they were
		// written against, so it is fixed once the ledger is non-empty
		existing, err := txRepo.GetQuoteForUpdate(ctx, quoteID)
		if err != nil && !errors.Is(err, models.ErrQuoteNotFound) {
			return fmt.Errorf("failed to load quote: %w", err)
		}
		if existing != nil && existing.FinalCurrency != currency {
			count, err := txRepo.CountEntriesByQuote(ctx, quoteID)
			if err != nil {
				return fmt.Errorf("failed to count ledger entries: %w", err)
			}
			if count > 0 {
				return fmt.Errorf("%w: quote %s already has ledger entries in %s", models.ErrInvalidCurrency, quoteID, existing.FinalCurrency)
			}
		}

		quote := &models.QuoteRef{
			ID:            quoteID,
			FinalTotal:    finalTotal,
			FinalCurrency: currency,
			AmountPaid:    decimal.Zero,
			PaymentStatus: models.QuoteUnpaid,
		}
		if err := txRepo.UpsertQuote(ctx, quote); err != nil {
			return fmt.Errorf("failed to upsert quote: %w", err)
		}
		projection, err = s.projector.Recompute(ctx, txRepo, quoteID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterProjection(ctx, projection)
	return projection, nil
}

// Recompute reprojects a quote from its ledger
func (s *LedgerService) Recompute(ctx context.Context, quoteID uuid.UUID) (*Projection, error) {
	var projection *Projection
	err := s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		var err error
		projection, err = s.projector.Recompute(ctx, txRepo, quoteID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterProjection(ctx, projection)
	return projection, nil
}

// PaymentStatus returns the projected payment fields of a quote
func (s *LedgerService) PaymentStatus(ctx context.Context, quoteID uuid.UUID) (*models.QuoteRef, error) {
	return s.repo.GetQuote(ctx, quoteID)
}

// prepare fills defaults and converts the entry into the quote's settlement
// currency. It runs before the write transaction is opened.
func (s *LedgerService) prepare(ctx context.Context, entry *models.PaymentLedgerEntry) error {
	entry.Currency = strings.ToUpper(entry.Currency)
	if entry.Status == "" {
		entry.Status = models.EntryCompleted
	}
	if entry.PaymentDate.IsZero() {
		entry.PaymentDate = time.Now()
	}
	entry.PaymentDate = entry.PaymentDate.UTC()
	if entry.GatewayTransactionID != nil && *entry.GatewayTransactionID == "" {
		entry.GatewayTransactionID = nil
	}
	if entry.GatewayCode == "" {
		entry.GatewayCode = models.GatewayManual
	}

	if err := validateEntry(entry); err != nil {
		return err
	}

	quote, err := s.repo.GetQuote(ctx, entry.QuoteID)
	if err != nil {
		return err
	}
	entry.SettlementCurrency = quote.FinalCurrency

	if entry.ExchangeRate.IsZero() {
		rate, err := s.rates.RateAt(ctx, entry.Currency, quote.FinalCurrency, entry.PaymentDate)
		if err != nil {
			return err
		}
		entry.ExchangeRate = rate
	}
	if entry.BaseAmount.IsZero() {
		entry.BaseAmount = ConvertAmount(entry.Amount, entry.ExchangeRate)
	}
	return nil
}

// afterProjection records metrics and publishes events for a committed projection
func (s *LedgerService) afterProjection(ctx context.Context, projection *Projection) {
	if !projection.Changed() {
		return
	}
	s.metrics.statusChanged(string(projection.PreviousStatus), string(projection.Status))
	s.logger.WithFields(logrus.Fields{
		"quote_id":    projection.QuoteID,
		"from":        projection.PreviousStatus,
		"to":          projection.Status,
		"amount_paid": projection.AmountPaid.StringFixed(2),
	}).Info("quote payment status changed")

	if projection.Status != models.QuotePaid || s.publisher == nil {
		return
	}
	if err := s.publisher.PublishQuotePaid(ctx, projection.QuoteID, projection.AmountPaid, projection.Currency); err != nil {
		s.logger.WithError(err).WithField("quote_id", projection.QuoteID).Warn("failed to publish payment succeeded event")
	}
}

// validateEntry checks the invariants every ledger entry must satisfy
func validateEntry(entry *models.PaymentLedgerEntry) error {
	if entry.QuoteID == uuid.Nil {
		return fmt.Errorf("%w: quote id is required", models.ErrQuoteNotFound)
	}
	if !entry.Type.IsValid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidPaymentType, entry.Type)
	}
	if !entry.Status.IsValid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidEntryStatus, entry.Status)
	}
	if !validCurrency(entry.Currency) {
		return fmt.Errorf("%w: %q", models.ErrInvalidCurrency, entry.Currency)
	}
	if entry.Type == models.PaymentTypeAdjustment {
		if entry.Amount.IsZero() {
			return fmt.Errorf("%w: adjustment must be non-zero", models.ErrInvalidAmount)
		}
		return nil
	}
	if !entry.Amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive for %s", models.ErrInvalidAmount, entry.Amount.String(), entry.Type)
	}
	return nil
}

// ConvertAmount converts an amount with a rate, rounding half away from zero
// to cents.
func ConvertAmount(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Round(2)
}
