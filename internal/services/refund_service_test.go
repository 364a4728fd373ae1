package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ledger-service/internal/gateway"
	"ledger-service/internal/models"
)

// MockRefundDispatcher is a mock implementation of gateway.RefundDispatcher
type MockRefundDispatcher struct {
	mock.Mock
}

func (m *MockRefundDispatcher) Code() models.GatewayCode {
	return models.GatewayStripe
}

func (m *MockRefundDispatcher) CreateRefund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.RefundResult), args.Error(1)
}

// paidQuote creates a USD quote of 100 paid with 40 then 60
func paidQuote(t *testing.T, env *testEnv) (quoteID, first, second uuid.UUID) {
	t.Helper()
	quoteID = env.quote(t, "100.00", "USD")
	first = env.pay(t, quoteID, "40.00", "pi_"+quoteID.String()[:8]+"_1", testDay)
	second = env.pay(t, quoteID, "60.00", "pi_"+quoteID.String()[:8]+"_2", daysAfter(1))
	return quoteID, first, second
}

func requestRefund(t *testing.T, env *testEnv, quoteID uuid.UUID, amount string) *models.RefundRequest {
	t.Helper()
	req, err := env.refunds.Create(context.Background(), CreateRefundInput{
		QuoteID:     quoteID,
		Amount:      dec(amount),
		Currency:    "USD",
		Reason:      "customer request",
		RequestedBy: "agent-1",
	})
	require.NoError(t, err)
	return req
}

func TestRefund_AllocatesOldestPaymentFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	quoteID, first, second := paidQuote(t, env)

	req := requestRefund(t, env, quoteID, "70.00")
	assert.Equal(t, models.RefundPending, req.Status)
	assert.Equal(t, models.RefundPartial, req.RefundType)

	approved, err := env.refunds.Approve(ctx, req.ID, nil, "manager-1")
	require.NoError(t, err)
	assert.Equal(t, models.RefundProcessing, approved.Status)
	assert.Equal(t, "manager-1", approved.ApprovedBy)
	require.Len(t, approved.Items, 2)

	assert.Equal(t, first, approved.Items[0].OriginalPaymentID)
	assertDecimal(t, "40.00", approved.Items[0].AllocatedAmount)
	assert.Equal(t, 1, approved.Items[0].Sequence)
	assert.Equal(t, second, approved.Items[1].OriginalPaymentID)
	assertDecimal(t, "30.00", approved.Items[1].AllocatedAmount)
	assert.Equal(t, 2, approved.Items[1].Sequence)

	balances, err := env.refunds.RefundableBalances(ctx, quoteID)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assertDecimal(t, "0", balances[0].Refundable)
	assertDecimal(t, "30.00", balances[1].Refundable)

	// allocation alone does not touch the amount paid
	assertDecimal(t, "100.00", env.paymentStatus(t, quoteID).AmountPaid)
}

func TestRefund_InsufficientBalanceAllocatesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	quoteID, _, _ := paidQuote(t, env)

	req := requestRefund(t, env, quoteID, "150.00")
	_, err := env.refunds.Approve(ctx, req.ID, nil, "manager-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInsufficientRefundableBalance)

	var balanceErr *models.InsufficientBalanceError
	require.True(t, errors.As(err, &balanceErr))
	assertDecimal(t, "150.00", balanceErr.Requested)
	assertDecimal(t, "100.00", balanceErr.Refundable)
	assert.Equal(t, "USD", balanceErr.Currency)

	stored, err := env.refunds.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundApproved, stored.Status)
	assert.Empty(t, stored.Items)

	balances, err := env.refunds.RefundableBalances(ctx, quoteID)
	require.NoError(t, err)
	assertDecimal(t, "40.00", balances[0].Refundable)
	assertDecimal(t, "60.00", balances[1].Refundable)
}

func TestRefund_ConfirmWritesLedgerOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	quoteID, _, _ := paidQuote(t, env)

	req := requestRefund(t, env, quoteID, "70.00")
	approved, err := env.refunds.Approve(ctx, req.ID, nil, "manager-1")
	require.NoError(t, err)
	require.Len(t, approved.Items, 2)

	firstEntry, created, err := env.refunds.ConfirmItem(ctx, approved.Items[0].ID, "re_1")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := env.refunds.ConfirmItem(ctx, approved.Items[0].ID, "re_1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, firstEntry, again)

	assertDecimal(t, "60.00", env.paymentStatus(t, quoteID).AmountPaid)

	mid, err := env.refunds.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundProcessing, mid.Status)

	_, created, err = env.refunds.ConfirmItem(ctx, approved.Items[1].ID, "re_2")
	require.NoError(t, err)
	assert.True(t, created)

	quote := env.paymentStatus(t, quoteID)
	assertDecimal(t, "30.00", quote.AmountPaid)
	assert.Equal(t, models.QuotePartial, quote.PaymentStatus)

	done, err := env.refunds.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	entries, err := env.ledger.ListByQuote(ctx, quoteID)
	require.NoError(t, err)
	refunds := 0
	for _, e := range entries {
		if e.Type == models.PaymentTypePartialRefund {
			refunds++
			assert.Equal(t, req.ID.String(), e.ReferenceNumber)
		}
	}
	assert.Equal(t, 2, refunds)
}

func TestRefund_ConfirmByGatewayRefundID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	quoteID, _, _ := paidQuote(t, env)

	req := requestRefund(t, env, quoteID, "40.00")
	approved, err := env.refunds.Approve(ctx, req.ID, nil, "manager-1")
	require.NoError(t, err)
	require.Len(t, approved.Items, 1)

	_, _, err = env.refunds.ConfirmByGatewayRefundID(ctx, "re_unknown")
	assert.ErrorIs(t, err, models.ErrRefundItemNotFound)

	_, created, err := env.refunds.ConfirmItem(ctx, approved.Items[0].ID, "re_known")
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = env.refunds.ConfirmByGatewayRefundID(ctx, "re_known")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestRefund_FailedItemRestoresBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	quoteID, _, _ := paidQuote(t, env)

	req := requestRefund(t, env, quoteID, "50.00")
	approved, err := env.refunds.Approve(ctx, req.ID, nil, "manager-1")
	require.NoError(t, err)
	require.Len(t, approved.Items, 2)

	_, _, err = env.refunds.ConfirmItem(ctx, approved.Items[0].ID, "re_ok")
	require.NoError(t, err)
	require.NoError(t, env.refunds.FailItem(ctx, approved.Items[1].ID, "card_expired"))
	require.NoError(t, env.refunds.FailItem(ctx, approved.Items[1].ID, "card_expired"))

	failed, err := env.refunds.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundFailed, failed.Status)
	assert.Equal(t, "card_expired", failed.FailureReason)

	balances, err := env.refunds.RefundableBalances(ctx, quoteID)
	require.NoError(t, err)
	assertDecimal(t, "0", balances[0].Refundable)
	assertDecimal(t, "60.00", balances[1].Refundable)

	_, _, err = env.refunds.ConfirmItem(ctx, approved.Items[1].ID, "re_late")
	assert.ErrorIs(t, err, models.ErrInvalidRefundState)
	assert.ErrorIs(t, env.refunds.FailItem(ctx, approved.Items[0].ID, "late"), models.ErrInvalidRefundState)

	assertDecimal(t, "60.00", env.paymentStatus(t, quoteID).AmountPaid)
}

func TestRefund_ConcurrentAllocationsNeverOverRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	quoteID, first, second := paidQuote(t, env)

	const requests = 10
	reqs := make([]*models.RefundRequest, requests)
	for i := range reqs {
		reqs[i] = requestRefund(t, env, quoteID, "25.00")
	}

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		successes    int
		insufficient int
		otherErrs    []error
	)
	for _, req := range reqs {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := env.refunds.Approve(ctx, id, nil, "manager-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, models.ErrInsufficientRefundableBalance):
				insufficient++
			default:
				otherErrs = append(otherErrs, err)
			}
		}(req.ID)
	}
	wg.Wait()

	assert.Empty(t, otherErrs)
	assert.Equal(t, 4, successes)
	assert.Equal(t, 6, insufficient)

	allocated := map[uuid.UUID]decimal.Decimal{}
	for _, req := range reqs {
		stored, err := env.refunds.Get(ctx, req.ID)
		require.NoError(t, err)
		for _, item := range stored.Items {
			allocated[item.OriginalPaymentID] = allocated[item.OriginalPaymentID].Add(item.AllocatedAmount)
		}
	}
	assertDecimal(t, "40.00", allocated[first])
	assertDecimal(t, "60.00", allocated[second])
}

func TestRefund_ApprovedAmountAboveRequestIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	quoteID, _, _ := paidQuote(t, env)

	req := requestRefund(t, env, quoteID, "20.00")
	tooMuch := dec("25.00")
	_, err := env.refunds.Approve(ctx, req.ID, &tooMuch, "manager-1")
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	lower := dec("15.00")
	approved, err := env.refunds.Approve(ctx, req.ID, &lower, "manager-1")
	require.NoError(t, err)
	require.Len(t, approved.Items, 1)
	assertDecimal(t, "15.00", approved.Items[0].AllocatedAmount)
}

func TestRefund_CreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	quoteID := env.quote(t, "100.00", "USD")

	_, err := env.refunds.Create(ctx, CreateRefundInput{QuoteID: quoteID, Amount: dec("0"), Currency: "USD"})
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	_, err = env.refunds.Create(ctx, CreateRefundInput{QuoteID: quoteID, Amount: dec("5"), Currency: "US"})
	assert.ErrorIs(t, err, models.ErrInvalidCurrency)

	_, err = env.refunds.Create(ctx, CreateRefundInput{QuoteID: quoteID, Amount: dec("5"), Currency: "USD", RefundType: "store_credit"})
	assert.ErrorIs(t, err, models.ErrInvalidRefundState)

	_, err = env.refunds.Create(ctx, CreateRefundInput{QuoteID: uuid.New(), Amount: dec("5"), Currency: "USD"})
	assert.ErrorIs(t, err, models.ErrQuoteNotFound)
}

func TestRefund_CancelOnlyBeforeAllocation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	quoteID, _, _ := paidQuote(t, env)

	pending := requestRefund(t, env, quoteID, "10.00")
	cancelled, err := env.refunds.Cancel(ctx, pending.ID, "duplicate request")
	require.NoError(t, err)
	assert.Equal(t, models.RefundCancelled, cancelled.Status)
	assert.Equal(t, "duplicate request", cancelled.FailureReason)

	_, err = env.refunds.Approve(ctx, pending.ID, nil, "manager-1")
	assert.ErrorIs(t, err, models.ErrInvalidRefundState)

	processing := requestRefund(t, env, quoteID, "10.00")
	_, err = env.refunds.Approve(ctx, processing.ID, nil, "manager-1")
	require.NoError(t, err)
	_, err = env.refunds.Cancel(ctx, processing.ID, "too late")
	assert.ErrorIs(t, err, models.ErrInvalidRefundState)

	_, err = env.refunds.Cancel(ctx, uuid.New(), "missing")
	assert.ErrorIs(t, err, models.ErrRefundNotFound)
}

func TestRefund_ReapproveWithCorrectedAmountAfterInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	quoteID := env.quote(t, "40.00", "USD")
	paymentID := env.pay(t, quoteID, "40.00", "pi_only", testDay)

	req := requestRefund(t, env, quoteID, "60.00")
	_, err := env.refunds.Approve(ctx, req.ID, nil, "manager-1")
	var balanceErr *models.InsufficientBalanceError
	require.True(t, errors.As(err, &balanceErr))
	assertDecimal(t, "40.00", balanceErr.Refundable)

	stuck, err := env.refunds.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundApproved, stuck.Status)

	corrected := balanceErr.Refundable
	approved, err := env.refunds.Approve(ctx, req.ID, &corrected, "manager-2")
	require.NoError(t, err)
	assert.Equal(t, models.RefundProcessing, approved.Status)
	assert.Equal(t, "manager-2", approved.ApprovedBy)
	require.NotNil(t, approved.ApprovedAmount)
	assertDecimal(t, "40.00", *approved.ApprovedAmount)
	require.Len(t, approved.Items, 1)
	assert.Equal(t, paymentID, approved.Items[0].OriginalPaymentID)
	assertDecimal(t, "40.00", approved.Items[0].AllocatedAmount)

	_, err = env.refunds.Approve(ctx, req.ID, &corrected, "manager-2")
	assert.ErrorIs(t, err, models.ErrInvalidRefundState)
}

func TestRefund_AllocateRequiresApprovedAmount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	quoteID, _, _ := paidQuote(t, env)

	req := requestRefund(t, env, quoteID, "10.00")
	_, err := env.refunds.Allocate(ctx, req.ID, dec("10.00"), "USD")
	assert.ErrorIs(t, err, models.ErrInvalidRefundState)

	overdrawn := requestRefund(t, env, quoteID, "500.00")
	_, err = env.refunds.Approve(ctx, overdrawn.ID, nil, "manager-1")
	require.ErrorIs(t, err, models.ErrInsufficientRefundableBalance)

	_, err = env.refunds.Allocate(ctx, overdrawn.ID, dec("400.00"), "USD")
	assert.ErrorIs(t, err, models.ErrAllocationMismatch)

	_, err = env.refunds.Allocate(ctx, overdrawn.ID, dec("500.00"), "EUR")
	assert.ErrorIs(t, err, models.ErrInvalidCurrency)
}

func TestRefund_DispatchWithoutGatewaysLeavesItemsPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	quoteID, _, _ := paidQuote(t, env)

	req := requestRefund(t, env, quoteID, "30.00")
	_, err := env.refunds.Approve(ctx, req.ID, nil, "manager-1")
	require.NoError(t, err)

	dispatched, err := env.refunds.Dispatch(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundProcessing, dispatched.Status)
	for _, item := range dispatched.Items {
		assert.Equal(t, models.RefundItemPending, item.Status)
		assert.Nil(t, item.GatewayRefundID)
	}
}

func TestRefund_DispatchConfirmsSucceededGatewayRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	dispatcher := new(MockRefundDispatcher)
	registry := gateway.NewRegistry()
	registry.RegisterDispatcher(dispatcher)
	refunds := NewRefundService(env.repo, env.ledger, env.locker, registry, nil, nil, env.logger)

	quoteID, _, _ := paidQuote(t, env)
	req, err := refunds.Create(ctx, CreateRefundInput{QuoteID: quoteID, Amount: dec("45.00"), Currency: "USD", Reason: "damaged"})
	require.NoError(t, err)
	approved, err := refunds.Approve(ctx, req.ID, nil, "manager-1")
	require.NoError(t, err)
	require.Len(t, approved.Items, 2)

	dispatcher.On("CreateRefund", ctx, mock.MatchedBy(func(r *gateway.RefundRequest) bool {
		return r.IdempotencyKey == approved.Items[0].ID.String() && r.Amount.Equal(dec("40"))
	})).Return(&gateway.RefundResult{GatewayRefundID: "re_a", Status: gateway.RefundOutcomeSucceeded}, nil).Once()
	dispatcher.On("CreateRefund", ctx, mock.MatchedBy(func(r *gateway.RefundRequest) bool {
		return r.IdempotencyKey == approved.Items[1].ID.String() && r.Amount.Equal(dec("5"))
	})).Return(&gateway.RefundResult{GatewayRefundID: "re_b", Status: gateway.RefundOutcomePending}, nil).Once()

	dispatched, err := refunds.Dispatch(ctx, req.ID)
	require.NoError(t, err)
	dispatcher.AssertExpectations(t)

	assert.Equal(t, models.RefundProcessing, dispatched.Status)
	assert.Equal(t, models.RefundItemCompleted, dispatched.Items[0].Status)
	assert.Equal(t, models.RefundItemPending, dispatched.Items[1].Status)
	require.NotNil(t, dispatched.Items[1].GatewayRefundID)
	assert.Equal(t, "re_b", *dispatched.Items[1].GatewayRefundID)

	// the webhook for the pending refund settles the request
	ingestor := NewWebhookIngestor(env.ledger, env.rates, refunds, nil, env.logger)
	_, created, err := ingestor.Ingest(ctx, &models.GatewayEvent{
		Kind:            models.EventRefundSucceeded,
		GatewayCode:     models.GatewayStripe,
		GatewayRefundID: "re_b",
	})
	require.NoError(t, err)
	assert.True(t, created)

	done, err := refunds.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundCompleted, done.Status)
	assertDecimal(t, "55.00", env.paymentStatus(t, quoteID).AmountPaid)
}

func TestRefund_FullRefundWritesRefundEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	quoteID, _, _ := paidQuote(t, env)

	req, err := env.refunds.Create(ctx, CreateRefundInput{
		QuoteID:    quoteID,
		RefundType: models.RefundFull,
		Amount:     dec("100.00"),
		Currency:   "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", req.Currency)

	approved, err := env.refunds.Approve(ctx, req.ID, nil, "manager-1")
	require.NoError(t, err)
	for _, item := range approved.Items {
		_, _, err := env.refunds.ConfirmItem(ctx, item.ID, "")
		require.NoError(t, err)
	}

	quote := env.paymentStatus(t, quoteID)
	assertDecimal(t, "0", quote.AmountPaid)
	assert.Equal(t, models.QuoteUnpaid, quote.PaymentStatus)

	entries, err := env.ledger.ListByQuote(ctx, quoteID)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Type.IsRefund() {
			assert.Equal(t, models.PaymentTypeRefund, e.Type)
		}
	}
}
