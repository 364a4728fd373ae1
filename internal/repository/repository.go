package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"ledger-service/internal/models"
)

const maxSerializationRetries = 3

// Repository handles database operations for the ledger, refunds and
// reconciliation. Methods on a Repository returned by WithTransaction run
// inside that transaction.
type Repository struct {
	db           *gorm.DB
	serializable bool
	inTx         bool
}

// Option configures a Repository
type Option func(*Repository)

// WithSerializableWrites runs transactions at SERIALIZABLE isolation
func WithSerializableWrites(enabled bool) Option {
	return func(r *Repository) {
		r.serializable = enabled
	}
}

// NewRepository creates a new Repository
func NewRepository(db *gorm.DB, opts ...Option) *Repository {
	r := &Repository{db: db}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DB exposes the underlying connection for health checks
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// WithTransaction runs fn inside a database transaction. Serialization
// failures are retried. Nested calls reuse the outer transaction.
func (r *Repository) WithTransaction(ctx context.Context, fn func(txRepo *Repository) error) error {
	if r.inTx {
		return fn(r)
	}

	var opts []*sql.TxOptions
	if r.serializable {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}

	var err error
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return fn(&Repository{db: tx, serializable: r.serializable, inTx: true})
		}, opts...)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", err)
}

// Migrate creates or updates the schema, including the partial unique index
// that backs ledger idempotency.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.QuoteRef{},
		&models.PaymentLedgerEntry{},
		&models.ExchangeRate{},
		&models.WebhookEvent{},
		&models.RefundRequest{},
		&models.RefundItem{},
		&models.ReconciliationSession{},
		&models.StatementLine{},
		&models.ReconciliationItem{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_idempotency
			ON payment_ledger (quote_id, gateway_code, gateway_transaction_id)
			WHERE gateway_transaction_id IS NOT NULL AND status = 'completed'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_refund_items_gateway_refund
			ON refund_items (gateway_refund_id)
			WHERE gateway_refund_id IS NOT NULL`,
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
