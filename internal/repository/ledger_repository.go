package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ledger-service/internal/models"
)

// --- Ledger Methods ---

// InsertEntry inserts a ledger entry. It returns false without error when a
// completed entry with the same idempotency key already exists.
func (r *Repository) InsertEntry(ctx context.Context, entry *models.PaymentLedgerEntry) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindCompletedEntryByKey finds the completed entry for an idempotency key
func (r *Repository) FindCompletedEntryByKey(ctx context.Context, quoteID uuid.UUID, gateway models.GatewayCode, txnID string) (*models.PaymentLedgerEntry, error) {
	var entry models.PaymentLedgerEntry
	err := r.db.WithContext(ctx).
		Where("quote_id = ? AND gateway_code = ? AND gateway_transaction_id = ? AND status = ?",
			quoteID, gateway, txnID, models.EntryCompleted).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// GetEntry gets a ledger entry by ID
func (r *Repository) GetEntry(ctx context.Context, id uuid.UUID) (*models.PaymentLedgerEntry, error) {
	var entry models.PaymentLedgerEntry
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// GetEntryForUpdate gets a ledger entry and locks its row
func (r *Repository) GetEntryForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentLedgerEntry, error) {
	var entry models.PaymentLedgerEntry
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrEntryNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// TransitionPendingEntry moves a pending entry to a new status. It returns
// false when the entry was not pending anymore.
func (r *Repository) TransitionPendingEntry(ctx context.Context, id uuid.UUID, status models.EntryStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.PaymentLedgerEntry{}).
		Where("id = ? AND status = ?", id, models.EntryPending).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return false, models.ErrDuplicateEntry
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListEntriesByQuote lists all entries of a quote in chronological order
func (r *Repository) ListEntriesByQuote(ctx context.Context, quoteID uuid.UUID) ([]models.PaymentLedgerEntry, error) {
	var entries []models.PaymentLedgerEntry
	err := r.db.WithContext(ctx).
		Where("quote_id = ?", quoteID).
		Order("payment_date ASC, created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// ListCompletedEntriesByQuote lists the completed entries of a quote
func (r *Repository) ListCompletedEntriesByQuote(ctx context.Context, quoteID uuid.UUID) ([]models.PaymentLedgerEntry, error) {
	var entries []models.PaymentLedgerEntry
	err := r.db.WithContext(ctx).
		Where("quote_id = ? AND status = ?", quoteID, models.EntryCompleted).
		Order("payment_date ASC, created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// LockRefundableEntries locks and returns the completed payments and credits
// of a quote, oldest first.
func (r *Repository) LockRefundableEntries(ctx context.Context, quoteID uuid.UUID) ([]models.PaymentLedgerEntry, error) {
	var entries []models.PaymentLedgerEntry
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("quote_id = ? AND status = ? AND payment_type IN ?", quoteID, models.EntryCompleted,
			[]models.PaymentType{models.PaymentTypeCustomerPayment, models.PaymentTypeCreditApplied}).
		Order("payment_date ASC, created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

// ListQuoteIDsWithEntries pages through quotes that have ledger entries
func (r *Repository) ListQuoteIDsWithEntries(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.PaymentLedgerEntry{}).
		Distinct("quote_id").
		Where("quote_id > ?", after).
		Order("quote_id ASC").
		Limit(limit).
		Pluck("quote_id", &ids).Error
	return ids, err
}

// CountEntriesByQuote counts a quote's ledger entries in any status
func (r *Repository) CountEntriesByQuote(ctx context.Context, quoteID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.PaymentLedgerEntry{}).
		Where("quote_id = ?", quoteID).
		Count(&count).Error
	return count, err
}

// ReconcilableFilter selects the ledger entries a reconciliation session
// matches against
type ReconcilableFilter struct {
	GatewayCode   models.GatewayCode
	PaymentMethod string
	From          time.Time
	To            time.Time
	AsOf          time.Time
}

// ListReconcilableEntries lists completed money movements inside the session
// scope that existed at AsOf, in creation order. Adjustments are internal
// bookings and never appear on a statement.
func (r *Repository) ListReconcilableEntries(ctx context.Context, f ReconcilableFilter) ([]models.PaymentLedgerEntry, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND payment_type <> ? AND payment_date >= ? AND payment_date <= ? AND created_at <= ?",
			models.EntryCompleted, models.PaymentTypeAdjustment, f.From.UTC(), f.To.UTC(), f.AsOf.UTC())
	if f.GatewayCode != "" {
		query = query.Where("gateway_code = ?", f.GatewayCode)
	}
	if f.PaymentMethod != "" {
		query = query.Where("payment_method = ?", f.PaymentMethod)
	}

	var entries []models.PaymentLedgerEntry
	err := query.Order("created_at ASC, id ASC").Find(&entries).Error
	return entries, err
}

// --- Quote Methods ---

// GetQuote gets a quote by ID
func (r *Repository) GetQuote(ctx context.Context, id uuid.UUID) (*models.QuoteRef, error) {
	var quote models.QuoteRef
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&quote).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrQuoteNotFound
		}
		return nil, err
	}
	return &quote, nil
}

// GetQuoteForUpdate gets a quote and locks its row
func (r *Repository) GetQuoteForUpdate(ctx context.Context, id uuid.UUID) (*models.QuoteRef, error) {
	var quote models.QuoteRef
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&quote).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrQuoteNotFound
		}
		return nil, err
	}
	return &quote, nil
}

// UpsertQuote creates a quote or updates its totals. Projected fields are
// left untouched on update.
func (r *Repository) UpsertQuote(ctx context.Context, quote *models.QuoteRef) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"final_total", "final_currency", "updated_at"}),
		}).
		Create(quote).Error
}

// UpdateQuotePayment writes the projected payment fields of a quote
func (r *Repository) UpdateQuotePayment(ctx context.Context, id uuid.UUID, amountPaid decimal.Decimal, status models.QuotePaymentStatus) error {
	result := r.db.WithContext(ctx).
		Model(&models.QuoteRef{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"amount_paid":    amountPaid,
			"payment_status": status,
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrQuoteNotFound
	}
	return nil
}

// --- Exchange Rate Methods ---

// FindRate finds the latest rate for a currency pair effective at the given time
func (r *Repository) FindRate(ctx context.Context, from, to string, at time.Time) (*models.ExchangeRate, error) {
	var rate models.ExchangeRate
	err := r.db.WithContext(ctx).
		Where("from_currency = ? AND to_currency = ? AND effective_at <= ?", from, to, at.UTC()).
		Order("effective_at DESC").
		First(&rate).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrExchangeRateUnavailable
		}
		return nil, err
	}
	return &rate, nil
}

// CreateRate stores an exchange rate
func (r *Repository) CreateRate(ctx context.Context, rate *models.ExchangeRate) error {
	return r.db.WithContext(ctx).Create(rate).Error
}

// --- Webhook Event Methods ---

// CreateWebhookEvent records a webhook delivery
func (r *Repository) CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

// UpdateWebhookEvent updates a webhook event
func (r *Repository) UpdateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	return r.db.WithContext(ctx).Save(event).Error
}

// ListWebhookEvents lists recent deliveries for a gateway event id
func (r *Repository) ListWebhookEvents(ctx context.Context, gateway models.GatewayCode, eventID string) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("gateway_code = ? AND event_id = ?", gateway, eventID).
		Order("created_at ASC").
		Find(&events).Error
	return events, err
}
