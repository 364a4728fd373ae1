package services

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ledger-service/internal/models"
	"ledger-service/internal/repository"
)

// newTestDB opens a private in-memory database with the full schema. A single
// connection keeps every statement on the same in-memory database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, repository.Migrate(db))
	return db
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// testEnv wires the services against one in-memory database
type testEnv struct {
	repo    *repository.Repository
	rates   *ExchangeRateService
	ledger  *LedgerService
	refunds *RefundService
	recon   *ReconciliationService
	locker  *LocalQuoteLocker
	logger  *logrus.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := newTestLogger()
	repo := repository.NewRepository(newTestDB(t))
	rates := NewExchangeRateService(repo, nil, time.Minute, logger)
	ledger := NewLedgerService(repo, NewPaymentStatusProjector(DefaultPaymentTolerance), rates, nil, nil, logger)
	locker := NewLocalQuoteLocker()

	return &testEnv{
		repo:    repo,
		rates:   rates,
		ledger:  ledger,
		refunds: NewRefundService(repo, ledger, locker, nil, nil, nil, logger),
		recon:   NewReconciliationService(repo, ledger, locker, DefaultMatchPolicy(), nil, logger),
		locker:  locker,
		logger:  logger,
	}
}

// quote registers a quote and returns its id
func (e *testEnv) quote(t *testing.T, total, currency string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := e.ledger.SyncQuote(context.Background(), id, dec(total), currency)
	require.NoError(t, err)
	return id
}

// pay appends a completed card payment through Stripe
func (e *testEnv) pay(t *testing.T, quoteID uuid.UUID, amount, txnID string, at time.Time) uuid.UUID {
	t.Helper()
	id, err := e.ledger.Append(context.Background(), &models.PaymentLedgerEntry{
		QuoteID:              quoteID,
		Type:                 models.PaymentTypeCustomerPayment,
		Amount:               dec(amount),
		Currency:             "USD",
		PaymentMethod:        "card",
		GatewayCode:          models.GatewayStripe,
		GatewayTransactionID: strPtr(txnID),
		PaymentDate:          at,
	})
	require.NoError(t, err)
	return id
}

func (e *testEnv) paymentStatus(t *testing.T, quoteID uuid.UUID) *models.QuoteRef {
	t.Helper()
	quote, err := e.ledger.PaymentStatus(context.Background(), quoteID)
	require.NoError(t, err)
	return quote
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func strPtr(s string) *string {
	return &s
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "expected %s, got %s", want, got.String())
}

// testDay is a fixed UTC noon used as the payment date in tests
var testDay = time.Date(2026, time.September, 14, 12, 0, 0, 0, time.UTC)

func daysAfter(n int) time.Time {
	return testDay.AddDate(0, 0, n)
}
