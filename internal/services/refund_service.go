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

	"ledger-service/internal/gateway"
	"ledger-service/internal/models"
	"ledger-service/internal/repository"
)

// CreateRefundInput describes a new refund request
type CreateRefundInput struct {
	QuoteID     uuid.UUID
	RefundType  models.RefundType
	Amount      decimal.Decimal
	Currency    string
	Reason      string
	RequestedBy string
}

// EntryBalance is the refundable remainder of one original payment
type EntryBalance struct {
	Entry      models.PaymentLedgerEntry `json:"entry"`
	Refundable decimal.Decimal           `json:"refundable"`
}

// RefundService runs the refund workflow: request, approval with FIFO
// allocation, gateway dispatch and confirmation into the ledger.
type RefundService struct {
	repo      *repository.Repository
	ledger    *LedgerService
	locker    QuoteLocker
	gateways  *gateway.Registry
	publisher EventPublisher
	metrics   *Metrics
	logger    *logrus.Entry
}

// NewRefundService creates a new refund service. gateways, publisher and metrics may be nil.
func NewRefundService(repo *repository.Repository, ledger *LedgerService, locker QuoteLocker, gateways *gateway.Registry, publisher EventPublisher, metrics *Metrics, logger *logrus.Logger) *RefundService {
	return &RefundService{
		repo:      repo,
		ledger:    ledger,
		locker:    locker,
		gateways:  gateways,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.WithField("component", "refunds"),
	}
}

// Create opens a pending refund request
func (s *RefundService) Create(ctx context.Context, in CreateRefundInput) (*models.RefundRequest, error) {
	in.Currency = strings.ToUpper(in.Currency)
	if !validCurrency(in.Currency) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidCurrency, in.Currency)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be positive", models.ErrInvalidAmount)
	}
	if in.RefundType == "" {
		in.RefundType = models.RefundPartial
	}
	if in.RefundType != models.RefundFull && in.RefundType != models.RefundPartial {
		return nil, fmt.Errorf("%w: unknown refund type %q", models.ErrInvalidRefundState, in.RefundType)
	}
	if _, err := s.repo.GetQuote(ctx, in.QuoteID); err != nil {
		return nil, err
	}

	req := &models.RefundRequest{
		QuoteID:         in.QuoteID,
		RefundType:      in.RefundType,
		RequestedAmount: in.Amount,
		Currency:        in.Currency,
		Status:          models.RefundPending,
		Reason:          in.Reason,
		RequestedBy:     in.RequestedBy,
	}
	if err := s.repo.CreateRefundRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create refund request: %w", err)
	}
	return req, nil
}

// Get returns a refund request with its items
func (s *RefundService) Get(ctx context.Context, id uuid.UUID) (*models.RefundRequest, error) {
	return s.repo.GetRefundRequest(ctx, id)
}

// Approve approves a pending request and allocates the approved amount. When
// the allocation fails the request stays approved without items, and Approve
// may be called again with a corrected amount.
func (s *RefundService) Approve(ctx context.Context, id uuid.UUID, approvedAmount *decimal.Decimal, approver string) (*models.RefundRequest, error) {
	var approved *models.RefundRequest
	err := s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		req, err := txRepo.GetRefundRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		// approved requests never hold items; allocation moves them to processing
		reapproval := req.Status == models.RefundApproved
		if !reapproval && !req.Status.CanTransitionTo(models.RefundApproved) {
			return fmt.Errorf("%w: cannot approve a %s request", models.ErrInvalidRefundState, req.Status)
		}

		amount := req.RequestedAmount
		if approvedAmount != nil {
			amount = *approvedAmount
		}
		if !amount.IsPositive() || amount.GreaterThan(req.RequestedAmount) {
			return fmt.Errorf("%w: approved amount must be positive and at most %s", models.ErrInvalidAmount, req.RequestedAmount.StringFixed(2))
		}

		now := time.Now().UTC()
		req.ApprovedAmount = &amount
		req.ApprovedBy = approver
		req.ApprovedAt = &now
		req.Status = models.RefundApproved
		approved = req
		return txRepo.UpdateRefundRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"refund_request_id": id,
		"quote_id":          approved.QuoteID,
		"approved_by":       approver,
	}).Info("refund approved")

	if _, err := s.Allocate(ctx, id, *approved.ApprovedAmount, approved.Currency); err != nil {
		return nil, err
	}
	return s.repo.GetRefundRequest(ctx, id)
}

// Allocate distributes an approved refund over the quote's completed payments
// and credits, oldest first, creating one RefundItem per payment touched.
// Either the full amount is allocated or nothing is.
func (s *RefundService) Allocate(ctx context.Context, refundRequestID uuid.UUID, amount decimal.Decimal, currency string) ([]models.RefundItem, error) {
	current, err := s.repo.GetRefundRequest(ctx, refundRequestID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockQuote(ctx, current.QuoteID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var items []models.RefundItem
	err = s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		req, err := txRepo.GetRefundRequestForUpdate(ctx, refundRequestID)
		if err != nil {
			return err
		}
		if req.Status != models.RefundApproved {
			return fmt.Errorf("%w: only approved requests can be allocated, got %s", models.ErrInvalidRefundState, req.Status)
		}
		if !strings.EqualFold(req.Currency, currency) {
			return fmt.Errorf("%w: request is in %s", models.ErrInvalidCurrency, req.Currency)
		}
		if req.ApprovedAmount == nil || !req.ApprovedAmount.Equal(amount) {
			return models.ErrAllocationMismatch
		}

		items, err = s.allocateInTx(ctx, txRepo, req, amount, req.Currency)
		if err != nil {
			return err
		}
		req.Status = models.RefundProcessing
		return txRepo.UpdateRefundRequest(ctx, req)
	})
	s.recordAllocation(err)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// RefundableBalances returns the refundable remainder of every completed
// payment and credit of a quote, oldest first.
func (s *RefundService) RefundableBalances(ctx context.Context, quoteID uuid.UUID) ([]EntryBalance, error) {
	var balances []EntryBalance
	err := s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		entries, consumed, err := s.loadBalances(ctx, txRepo, quoteID)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			remaining := entry.Amount.Sub(consumed[entry.ID])
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}
			balances = append(balances, EntryBalance{Entry: entry, Refundable: remaining})
		}
		return nil
	})
	return balances, err
}

// allocation is one planned item before it is persisted
type allocation struct {
	entry     models.PaymentLedgerEntry
	native    decimal.Decimal
	available decimal.Decimal
}

// allocateInTx runs the FIFO allocation inside a transaction that already
// holds the quote lock.
func (s *RefundService) allocateInTx(ctx context.Context, txRepo *repository.Repository, req *models.RefundRequest, amount decimal.Decimal, currency string) ([]models.RefundItem, error) {
	existing, err := txRepo.ListRefundItems(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	for _, item := range existing {
		if item.ConsumesBalance() {
			return nil, fmt.Errorf("%w: request %s is already allocated", models.ErrInvalidRefundState, req.ID)
		}
	}

	entries, consumed, err := s.loadBalances(ctx, txRepo, req.QuoteID)
	if err != nil {
		return nil, err
	}

	// available balance per entry, expressed in the refund currency
	var candidates []allocation
	total := decimal.Zero
	for _, entry := range entries {
		remaining := entry.Amount.Sub(consumed[entry.ID])
		if !remaining.IsPositive() {
			continue
		}
		available, ok := toRefundCurrency(entry, remaining, currency)
		if !ok || !available.IsPositive() {
			continue
		}
		candidates = append(candidates, allocation{entry: entry, native: remaining, available: available})
		total = total.Add(available)
	}

	if total.LessThan(amount) {
		return nil, &models.InsufficientBalanceError{
			Requested:  amount,
			Refundable: total,
			Currency:   currency,
		}
	}

	items := make([]models.RefundItem, 0, len(candidates))
	left := amount
	for i, c := range candidates {
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(c.available, left)

		native := c.native
		if take.LessThan(c.available) {
			native = fromRefundCurrency(c.entry, take, currency)
			native = decimal.Min(native, c.native)
		}

		base := ConvertAmount(native, c.entry.ExchangeRate)
		if strings.EqualFold(currency, c.entry.SettlementCurrency) {
			base = take
		}

		items = append(items, models.RefundItem{
			RefundRequestID:   req.ID,
			OriginalPaymentID: c.entry.ID,
			AllocatedAmount:   native,
			Currency:          c.entry.Currency,
			ExchangeRate:      c.entry.ExchangeRate,
			BaseAmount:        base,
			GatewayCode:       c.entry.GatewayCode,
			GatewayPaymentRef: c.entry.TxnRef(),
			Status:            models.RefundItemPending,
			Sequence:          i + 1,
		})
		left = left.Sub(take)
	}

	if err := txRepo.CreateRefundItems(ctx, items); err != nil {
		return nil, fmt.Errorf("failed to create refund items: %w", err)
	}
	return items, nil
}

// loadBalances locks the refundable entries of a quote and sums what has
// already been allocated against each of them.
func (s *RefundService) loadBalances(ctx context.Context, txRepo *repository.Repository, quoteID uuid.UUID) ([]models.PaymentLedgerEntry, map[uuid.UUID]decimal.Decimal, error) {
	entries, err := txRepo.LockRefundableEntries(ctx, quoteID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock ledger entries: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	items, err := txRepo.ListRefundItemsByPayments(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load refund items: %w", err)
	}

	consumed := make(map[uuid.UUID]decimal.Decimal, len(entries))
	for _, item := range items {
		if !item.ConsumesBalance() {
			continue
		}
		consumed[item.OriginalPaymentID] = consumed[item.OriginalPaymentID].Add(item.AllocatedAmount)
	}
	return entries, consumed, nil
}

// toRefundCurrency expresses a native remainder in the refund currency using
// the rate stored on the entry. Only the entry's own currency and its
// settlement currency are supported.
func toRefundCurrency(entry models.PaymentLedgerEntry, native decimal.Decimal, currency string) (decimal.Decimal, bool) {
	switch {
	case strings.EqualFold(currency, entry.Currency):
		return native, true
	case strings.EqualFold(currency, entry.SettlementCurrency):
		if native.Equal(entry.Amount) {
			return entry.BaseAmount, true
		}
		return ConvertAmount(native, entry.ExchangeRate), true
	default:
		return decimal.Zero, false
	}
}

// fromRefundCurrency is the inverse of toRefundCurrency
func fromRefundCurrency(entry models.PaymentLedgerEntry, amount decimal.Decimal, currency string) decimal.Decimal {
	if strings.EqualFold(currency, entry.Currency) || entry.ExchangeRate.IsZero() {
		return amount
	}
	return amount.DivRound(entry.ExchangeRate, 2)
}

// Dispatch sends every pending item of a request to its gateway. Items whose
// gateway has no dispatcher stay pending for manual confirmation.
func (s *RefundService) Dispatch(ctx context.Context, id uuid.UUID) (*models.RefundRequest, error) {
	req, err := s.repo.GetRefundRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RefundProcessing {
		return nil, fmt.Errorf("%w: only processing requests can be dispatched, got %s", models.ErrInvalidRefundState, req.Status)
	}

	for _, item := range req.Items {
		if item.Status != models.RefundItemPending || item.GatewayRefundID != nil {
			continue
		}
		if s.gateways == nil {
			break
		}
		dispatcher, err := s.gateways.Dispatcher(item.GatewayCode)
		if err != nil {
			s.logger.WithField("refund_item_id", item.ID).Debug("no dispatcher for gateway, awaiting manual confirmation")
			continue
		}

		result, err := dispatcher.CreateRefund(ctx, &gateway.RefundRequest{
			GatewayPaymentID: item.GatewayPaymentRef,
			Amount:           item.AllocatedAmount,
			Currency:         item.Currency,
			Reason:           req.Reason,
			IdempotencyKey:   item.ID.String(),
			Metadata: map[string]string{
				"quote_id":          req.QuoteID.String(),
				"refund_request_id": req.ID.String(),
				"refund_item_id":    item.ID.String(),
			},
		})
		if err != nil {
			var gwErr *gateway.GatewayError
			if errors.As(err, &gwErr) && !gwErr.Retryable {
				if ferr := s.FailItem(ctx, item.ID, gwErr.Message); ferr != nil {
					return nil, ferr
				}
				continue
			}
			return nil, fmt.Errorf("failed to dispatch refund item %s: %w", item.ID, err)
		}

		if err := s.recordGatewayRefund(ctx, item.ID, result.GatewayRefundID); err != nil {
			return nil, err
		}

		switch result.Status {
		case gateway.RefundOutcomeSucceeded:
			if _, _, err := s.ConfirmItem(ctx, item.ID, result.GatewayRefundID); err != nil {
				return nil, err
			}
		case gateway.RefundOutcomeFailed:
			if err := s.FailItem(ctx, item.ID, result.FailureMessage); err != nil {
				return nil, err
			}
		}
	}

	return s.repo.GetRefundRequest(ctx, id)
}

func (s *RefundService) recordGatewayRefund(ctx context.Context, itemID uuid.UUID, gatewayRefundID string) error {
	if gatewayRefundID == "" {
		return nil
	}
	return s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		item, err := txRepo.GetRefundItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		if item.GatewayRefundID != nil {
			return nil
		}
		item.GatewayRefundID = &gatewayRefundID
		return txRepo.UpdateRefundItem(ctx, item)
	})
}

// ConfirmItem marks an item as refunded by the gateway and writes the refund
// ledger entry with the item's stored rate. Confirming twice is a no-op that
// returns the existing entry with created=false.
func (s *RefundService) ConfirmItem(ctx context.Context, itemID uuid.UUID, gatewayRefundID string) (uuid.UUID, bool, error) {
	var (
		entryID    uuid.UUID
		created    bool
		projection *Projection
		req        *models.RefundRequest
		item       *models.RefundItem
	)

	err := s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		var err error
		item, err = txRepo.GetRefundItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		switch item.Status {
		case models.RefundItemCompleted:
			if item.LedgerEntryID != nil {
				entryID = *item.LedgerEntryID
			}
			return nil
		case models.RefundItemFailed:
			return fmt.Errorf("%w: refund item %s has failed", models.ErrInvalidRefundState, itemID)
		}

		req, err = txRepo.GetRefundRequestForUpdate(ctx, item.RefundRequestID)
		if err != nil {
			return err
		}
		original, err := txRepo.GetEntry(ctx, item.OriginalPaymentID)
		if err != nil {
			return err
		}

		if gatewayRefundID != "" && item.GatewayRefundID == nil {
			item.GatewayRefundID = &gatewayRefundID
		}
		txnID := "refund-item:" + item.ID.String()
		if item.GatewayRefundID != nil {
			txnID = *item.GatewayRefundID
		}

		entry := &models.PaymentLedgerEntry{
			QuoteID:              req.QuoteID,
			Type:                 refundEntryType(req),
			Amount:               item.AllocatedAmount,
			Currency:             item.Currency,
			ExchangeRate:         item.ExchangeRate,
			BaseAmount:           item.BaseAmount,
			SettlementCurrency:   original.SettlementCurrency,
			PaymentMethod:        original.PaymentMethod,
			GatewayCode:          item.GatewayCode,
			GatewayTransactionID: &txnID,
			ReferenceNumber:      req.ID.String(),
			Status:               models.EntryCompleted,
			PaymentDate:          time.Now().UTC(),
			CreatedBy:            "refund:" + req.ID.String(),
		}

		entryID, projection, err = s.ledger.AppendInTx(ctx, txRepo, entry)
		switch {
		case errors.Is(err, models.ErrDuplicateEntry):
			created = false
		case err != nil:
			return err
		default:
			created = true
		}

		now := time.Now().UTC()
		item.Status = models.RefundItemCompleted
		item.LedgerEntryID = &entryID
		item.CompletedAt = &now
		if err := txRepo.UpdateRefundItem(ctx, item); err != nil {
			return err
		}
		return s.settleRequest(ctx, txRepo, req)
	})
	if err != nil {
		return uuid.Nil, false, err
	}

	if created {
		s.metrics.entryAppended(string(refundEntryType(req)), string(models.EntryCompleted))
		s.ledger.AfterCommit(ctx, projection)
		s.publishRefund(ctx, req, item, entryID)
	}
	return entryID, created, nil
}

// ConfirmByGatewayRefundID confirms the item a gateway refund id belongs to
func (s *RefundService) ConfirmByGatewayRefundID(ctx context.Context, gatewayRefundID string) (uuid.UUID, bool, error) {
	item, err := s.repo.GetRefundItemByGatewayRefundID(ctx, gatewayRefundID)
	if err != nil {
		return uuid.Nil, false, err
	}
	return s.ConfirmItem(ctx, item.ID, gatewayRefundID)
}

// FailItem marks a pending item as failed, returning its amount to the
// refundable balance of the original payment.
func (s *RefundService) FailItem(ctx context.Context, itemID uuid.UUID, reason string) error {
	return s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		item, err := txRepo.GetRefundItemForUpdate(ctx, itemID)
		if err != nil {
			return err
		}
		switch item.Status {
		case models.RefundItemFailed:
			return nil
		case models.RefundItemCompleted:
			return fmt.Errorf("%w: refund item %s is already completed", models.ErrInvalidRefundState, itemID)
		}

		item.Status = models.RefundItemFailed
		item.FailureReason = reason
		if err := txRepo.UpdateRefundItem(ctx, item); err != nil {
			return err
		}

		req, err := txRepo.GetRefundRequestForUpdate(ctx, item.RefundRequestID)
		if err != nil {
			return err
		}
		if req.FailureReason == "" {
			req.FailureReason = reason
		}
		return s.settleRequest(ctx, txRepo, req)
	})
}

// FailByGatewayRefundID fails the item a gateway refund id belongs to
func (s *RefundService) FailByGatewayRefundID(ctx context.Context, gatewayRefundID, reason string) error {
	item, err := s.repo.GetRefundItemByGatewayRefundID(ctx, gatewayRefundID)
	if err != nil {
		return err
	}
	return s.FailItem(ctx, item.ID, reason)
}

// Cancel cancels a request that has not been allocated yet
func (s *RefundService) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.RefundRequest, error) {
	err := s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		req, err := txRepo.GetRefundRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !req.Status.CanTransitionTo(models.RefundCancelled) {
			return fmt.Errorf("%w: cannot cancel a %s request", models.ErrInvalidRefundState, req.Status)
		}
		req.Status = models.RefundCancelled
		req.FailureReason = reason
		return txRepo.UpdateRefundRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetRefundRequest(ctx, id)
}

func refundEntryType(req *models.RefundRequest) models.PaymentType {
	if req.RefundType == models.RefundFull {
		return models.PaymentTypeRefund
	}
	return models.PaymentTypePartialRefund
}

// settleRequest moves a processing request to its terminal state once no
// item is pending anymore.
func (s *RefundService) settleRequest(ctx context.Context, txRepo *repository.Repository, req *models.RefundRequest) error {
	if req.Status != models.RefundProcessing {
		return nil
	}
	items, err := txRepo.ListRefundItems(ctx, req.ID)
	if err != nil {
		return err
	}

	failed := 0
	for _, item := range items {
		switch item.Status {
		case models.RefundItemPending:
			return nil
		case models.RefundItemFailed:
			failed++
		}
	}

	now := time.Now().UTC()
	if failed > 0 {
		req.Status = models.RefundFailed
	} else {
		req.Status = models.RefundCompleted
	}
	req.CompletedAt = &now
	return txRepo.UpdateRefundRequest(ctx, req)
}

func (s *RefundService) lockQuote(ctx context.Context, quoteID uuid.UUID) (func(), error) {
	started := time.Now()
	unlock, err := s.locker.Lock(ctx, quoteID)
	s.metrics.lockWaited(started)
	if err != nil {
		return nil, err
	}
	return unlock, nil
}

func (s *RefundService) recordAllocation(err error) {
	switch {
	case err == nil:
		s.metrics.refundAllocation("allocated")
	case errors.Is(err, models.ErrInsufficientRefundableBalance):
		s.metrics.refundAllocation("insufficient_balance")
	default:
		s.metrics.refundAllocation("error")
	}
}

func (s *RefundService) publishRefund(ctx context.Context, req *models.RefundRequest, item *models.RefundItem, entryID uuid.UUID) {
	if s.publisher == nil || req == nil || item == nil {
		return
	}
	if err := s.publisher.PublishRefundCompleted(ctx, req.QuoteID, req.ID, entryID, item.AllocatedAmount, item.Currency, req.Reason); err != nil {
		s.logger.WithError(err).WithField("refund_request_id", req.ID).Warn("failed to publish refund event")
	}
}
