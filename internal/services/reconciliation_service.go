package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"ledger-service/internal/models"
	"ledger-service/internal/repository"
)

// StartSessionInput opens a reconciliation session for a statement
type StartSessionInput struct {
	PaymentMethod     string
	GatewayCode       models.GatewayCode
	PeriodStart       time.Time
	PeriodEnd         time.Time
	OpeningBalance    decimal.Decimal
	PreviousSessionID *uuid.UUID
	Lines             []models.StatementLineInput
	CreatedBy         string
}

// ReconciliationService matches gateway statements against the ledger. It
// only reads ledger entries; adjustments go through the LedgerService.
type ReconciliationService struct {
	repo    *repository.Repository
	ledger  *LedgerService
	locker  QuoteLocker
	policy  MatchPolicy
	metrics *Metrics
	logger  *logrus.Entry
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(repo *repository.Repository, ledger *LedgerService, locker QuoteLocker, policy MatchPolicy, metrics *Metrics, logger *logrus.Logger) *ReconciliationService {
	return &ReconciliationService{
		repo:    repo,
		ledger:  ledger,
		locker:  locker,
		policy:  policy,
		metrics: metrics,
		logger:  logger.WithField("component", "reconciliation"),
	}
}

// Policy returns the matching policy in use
func (s *ReconciliationService) Policy() MatchPolicy {
	return s.policy
}

// StartSession stores the statement lines and fixes the ledger snapshot the
// session will match against.
func (s *ReconciliationService) StartSession(ctx context.Context, in StartSessionInput) (*models.ReconciliationSession, error) {
	if in.PeriodStart.IsZero() || in.PeriodEnd.IsZero() || in.PeriodEnd.Before(in.PeriodStart) {
		return nil, fmt.Errorf("%w: period end must not be before period start", models.ErrInvalidStatement)
	}
	if in.PreviousSessionID != nil {
		prev, err := s.repo.GetSession(ctx, *in.PreviousSessionID)
		if err != nil {
			return nil, err
		}
		if prev.Status != models.SessionCompleted {
			return nil, fmt.Errorf("%w: previous session %s is still in progress", models.ErrInvalidStatement, prev.ID)
		}
	}

	lines := make([]models.StatementLine, 0, len(in.Lines))
	statementTotal := decimal.Zero
	for i, l := range in.Lines {
		if l.Date.IsZero() {
			return nil, fmt.Errorf("%w: line %d has no date", models.ErrInvalidStatement, i+1)
		}
		lines = append(lines, models.StatementLine{
			LineNo:      i + 1,
			Date:        l.Date.UTC(),
			Amount:      l.Amount,
			Currency:    strings.ToUpper(strings.TrimSpace(l.Currency)),
			Reference:   strings.TrimSpace(l.Reference),
			Description: l.Description,
		})
		statementTotal = statementTotal.Add(l.Amount)
	}

	session := &models.ReconciliationSession{
		PaymentMethod:     in.PaymentMethod,
		GatewayCode:       in.GatewayCode,
		PeriodStart:       in.PeriodStart.UTC(),
		PeriodEnd:         in.PeriodEnd.UTC(),
		Status:            models.SessionInProgress,
		AsOf:              time.Now().UTC(),
		OpeningBalance:    in.OpeningBalance,
		StatementTotal:    statementTotal,
		TotalLines:        len(lines),
		PreviousSessionID: in.PreviousSessionID,
		CreatedBy:         in.CreatedBy,
	}

	pool, err := s.repo.ListReconcilableEntries(ctx, filterFor(session))
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entries: %w", err)
	}
	for _, entry := range pool {
		session.SystemTotal = session.SystemTotal.Add(entry.SignedAmount())
	}
	session.SystemCount = len(pool)

	err = s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		if err := txRepo.CreateSession(ctx, session); err != nil {
			return err
		}
		for i := range lines {
			lines[i].SessionID = session.ID
		}
		return txRepo.CreateStatementLines(ctx, lines)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciliation session: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"session_id":   session.ID,
		"lines":        session.TotalLines,
		"system_count": session.SystemCount,
		"gateway":      session.GatewayCode,
	}).Info("reconciliation session started")
	return session, nil
}

// Get returns a session
func (s *ReconciliationService) Get(ctx context.Context, id uuid.UUID) (*models.ReconciliationSession, error) {
	return s.repo.GetSession(ctx, id)
}

// ListItems returns the items of a session in matching order
func (s *ReconciliationService) ListItems(ctx context.Context, id uuid.UUID) ([]models.ReconciliationItem, error) {
	if _, err := s.repo.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListItems(ctx, id)
}

// Run matches the remaining statement lines of a session. Progress is
// checkpointed per line, so a cancelled run resumes where it stopped when
// Run is called again. Running a session whose matching finished is a no-op.
func (s *ReconciliationService) Run(ctx context.Context, sessionID uuid.UUID) (*models.ReconciliationSession, error) {
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionCompleted {
		return nil, models.ErrSessionClosed
	}
	if session.MatchingCompletedAt != nil {
		return session, nil
	}

	pool, err := s.unassignedPool(ctx, session)
	if err != nil {
		return nil, err
	}

	lines, err := s.repo.ListStatementLinesAfter(ctx, sessionID, session.LastProcessedLine)
	if err != nil {
		return nil, fmt.Errorf("failed to load statement lines: %w", err)
	}

	for _, line := range lines {
		if err := ctx.Err(); err != nil {
			s.logger.WithFields(logrus.Fields{
				"session_id": sessionID,
				"last_line":  session.LastProcessedLine,
			}).Info("reconciliation run cancelled")
			return session, err
		}

		result := s.policy.MatchLine(line, pool)
		item := s.itemForLine(session, line, pool, result)

		err := s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
			locked, err := txRepo.GetSessionForUpdate(ctx, sessionID)
			if err != nil {
				return err
			}
			if locked.LastProcessedLine >= line.LineNo {
				return nil
			}
			if err := txRepo.CreateItem(ctx, item); err != nil {
				return err
			}
			locked.LastProcessedLine = line.LineNo
			if err := txRepo.UpdateSession(ctx, locked); err != nil {
				return err
			}
			session = locked
			return nil
		})
		if err != nil {
			return session, fmt.Errorf("failed to record statement line %d: %w", line.LineNo, err)
		}

		s.metrics.reconciliationItem(string(item.MatchType), string(item.Status))
		if result.Matched() {
			pool = slices.Delete(pool, result.Index, result.Index+1)
		}
	}

	if err := s.finishMatching(ctx, sessionID, pool); err != nil {
		return session, err
	}
	return s.repo.GetSession(ctx, sessionID)
}

// ResumeUnfinished runs every in-progress session whose matching has not
// finished, returning how many completed matching.
func (s *ReconciliationService) ResumeUnfinished(ctx context.Context, limit int) (int, error) {
	sessions, err := s.repo.ListUnfinishedSessions(ctx, limit)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, session := range sessions {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if _, err := s.Run(ctx, session.ID); err != nil {
			s.logger.WithError(err).WithField("session_id", session.ID).Warn("failed to resume reconciliation session")
			continue
		}
		done++
	}
	return done, nil
}

// unassignedPool loads the session's ledger snapshot minus the entries
// already assigned to an item.
func (s *ReconciliationService) unassignedPool(ctx context.Context, session *models.ReconciliationSession) ([]models.PaymentLedgerEntry, error) {
	entries, err := s.repo.ListReconcilableEntries(ctx, filterFor(session))
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger entries: %w", err)
	}
	assigned, err := s.repo.MatchedLedgerIDs(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load matched entries: %w", err)
	}
	if len(assigned) == 0 {
		return entries, nil
	}

	taken := make(map[uuid.UUID]struct{}, len(assigned))
	for _, id := range assigned {
		taken[id] = struct{}{}
	}
	pool := entries[:0]
	for _, entry := range entries {
		if _, ok := taken[entry.ID]; !ok {
			pool = append(pool, entry)
		}
	}
	return pool, nil
}

func (s *ReconciliationService) itemForLine(session *models.ReconciliationSession, line models.StatementLine, pool []models.PaymentLedgerEntry, result MatchResult) *models.ReconciliationItem {
	lineID := line.ID
	date := line.Date
	amount := line.Amount

	item := &models.ReconciliationItem{
		SessionID:          session.ID,
		Sequence:           line.LineNo,
		StatementLineID:    &lineID,
		StatementDate:      &date,
		StatementAmount:    &amount,
		StatementReference: line.Reference,
		MatchType:          result.Type,
		MatchConfidence:    result.Confidence,
	}

	meta := map[string]interface{}{}
	if line.Description != "" {
		meta["description"] = line.Description
	}

	if !result.Matched() {
		item.MatchType = models.MatchUnmatched
		item.Status = models.ItemDiscrepancy
		item.DiscrepancyAmount = line.Amount
		item.Metadata = itemMetadata(meta)
		return item
	}

	entry := pool[result.Index]
	entryID := entry.ID
	paymentDate := entry.PaymentDate
	system := entry.SignedAmount()
	item.PaymentLedgerID = &entryID
	item.SystemDate = &paymentDate
	item.SystemAmount = &system
	item.SystemReference = entry.TxnRef()

	status, discrepancy, action := s.policy.Classify(line.Amount, system, result)
	item.Status = status
	item.DiscrepancyAmount = discrepancy
	item.ResolutionAction = action
	if action != "" {
		item.ResolvedBy = "system"
		item.ResolvedAt = &session.AsOf
	}
	if result.Ambiguous {
		meta["ambiguous"] = true
	}
	item.Metadata = itemMetadata(meta)
	return item
}

// finishMatching turns the remaining pool into system-only items and marks
// matching as done.
func (s *ReconciliationService) finishMatching(ctx context.Context, sessionID uuid.UUID, pool []models.PaymentLedgerEntry) error {
	var created []models.ReconciliationItem
	err := s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		session, err := txRepo.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.MatchingCompletedAt != nil {
			return nil
		}

		created = created[:0]
		for k, entry := range pool {
			entryID := entry.ID
			paymentDate := entry.PaymentDate
			system := entry.SignedAmount()
			item := models.ReconciliationItem{
				SessionID:         sessionID,
				Sequence:          session.TotalLines + k + 1,
				PaymentLedgerID:   &entryID,
				SystemDate:        &paymentDate,
				SystemAmount:      &system,
				SystemReference:   entry.TxnRef(),
				MatchType:         models.MatchUnmatched,
				MatchConfidence:   decimal.Zero,
				DiscrepancyAmount: system.Neg(),
				Status:            models.ItemDiscrepancy,
			}
			if err := txRepo.CreateItem(ctx, &item); err != nil {
				return err
			}
			created = append(created, item)
		}

		unmatched, err := txRepo.CountUnmatchedItems(ctx, sessionID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		session.MatchingCompletedAt = &now
		session.UnmatchedCount = int(unmatched)
		return txRepo.UpdateSession(ctx, session)
	})
	if err != nil {
		return fmt.Errorf("failed to finish matching: %w", err)
	}

	for _, item := range created {
		s.metrics.reconciliationItem(string(item.MatchType), string(item.Status))
	}
	s.logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"system_only": len(created),
	}).Info("reconciliation matching finished")
	return nil
}

// ResolveInput settles one reconciliation item
type ResolveInput struct {
	Action models.ResolutionAction
	Notes  string
	Actor  string
	// QuoteID books an adjustment for a statement-only item
	QuoteID *uuid.UUID
}

// ResolveItem records a manual resolution. create_adjustment appends an
// adjustment ledger entry for the discrepancy; investigate keeps the item open.
func (s *ReconciliationService) ResolveItem(ctx context.Context, itemID uuid.UUID, in ResolveInput) (*models.ReconciliationItem, error) {
	if !in.Action.IsValid() {
		return nil, fmt.Errorf("%w: unknown action %q", models.ErrInvalidResolution, in.Action)
	}

	var adjustmentID *uuid.UUID
	if in.Action == models.ResolutionCreateAdjustment {
		id, err := s.bookAdjustment(ctx, itemID, in)
		if err != nil {
			return nil, err
		}
		adjustmentID = &id
	}

	var resolved *models.ReconciliationItem
	err := s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		item, err := s.openItem(ctx, txRepo, itemID)
		if err != nil {
			return err
		}

		item.ResolutionAction = in.Action
		if in.Notes != "" {
			item.Notes = in.Notes
		}
		if adjustmentID != nil {
			item.AdjustmentEntryID = adjustmentID
		}
		if in.Action != models.ResolutionInvestigate {
			now := time.Now().UTC()
			item.Status = models.ItemResolved
			item.ResolvedBy = in.Actor
			item.ResolvedAt = &now
		}
		if err := txRepo.UpdateItem(ctx, item); err != nil {
			return err
		}
		resolved = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// bookAdjustment appends the adjustment entry for an item. The transaction
// id is derived from the item so a retried resolution books it once.
func (s *ReconciliationService) bookAdjustment(ctx context.Context, itemID uuid.UUID, in ResolveInput) (uuid.UUID, error) {
	item, err := s.openItem(ctx, s.repo, itemID)
	if err != nil {
		return uuid.Nil, err
	}
	if item.DiscrepancyAmount.IsZero() {
		return uuid.Nil, fmt.Errorf("%w: item has no discrepancy to adjust", models.ErrInvalidResolution)
	}
	session, err := s.repo.GetSession(ctx, item.SessionID)
	if err != nil {
		return uuid.Nil, err
	}

	entry := &models.PaymentLedgerEntry{
		Type:            models.PaymentTypeAdjustment,
		Amount:          item.DiscrepancyAmount,
		PaymentMethod:   session.PaymentMethod,
		GatewayCode:     session.GatewayCode,
		ReferenceNumber: item.StatementReference,
		Status:          models.EntryCompleted,
		CreatedBy:       in.Actor,
	}

	switch {
	case item.PaymentLedgerID != nil:
		original, err := s.repo.GetEntry(ctx, *item.PaymentLedgerID)
		if err != nil {
			return uuid.Nil, err
		}
		entry.QuoteID = original.QuoteID
		entry.Currency = original.Currency
		entry.ExchangeRate = original.ExchangeRate
		entry.BaseAmount = ConvertAmount(item.DiscrepancyAmount, original.ExchangeRate)
	case in.QuoteID != nil:
		entry.QuoteID = *in.QuoteID
		if item.StatementLineID != nil {
			if line, err := s.statementLine(ctx, item); err == nil && line.Currency != "" {
				entry.Currency = line.Currency
			}
		}
	default:
		return uuid.Nil, fmt.Errorf("%w: a quote is required to adjust a statement-only item", models.ErrInvalidResolution)
	}

	if entry.Currency == "" {
		quote, err := s.repo.GetQuote(ctx, entry.QuoteID)
		if err != nil {
			return uuid.Nil, err
		}
		entry.Currency = quote.FinalCurrency
	}
	if entry.GatewayCode == "" {
		entry.GatewayCode = models.GatewayManual
	}
	if item.StatementDate != nil {
		entry.PaymentDate = *item.StatementDate
	}
	txnID := "recon-adjustment:" + item.ID.String()
	entry.GatewayTransactionID = &txnID

	id, err := s.ledger.Append(ctx, entry)
	if err != nil && !errors.Is(err, models.ErrDuplicateEntry) {
		return uuid.Nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"item_id":  item.ID,
		"entry_id": id,
		"amount":   item.DiscrepancyAmount.StringFixed(2),
	}).Info("reconciliation adjustment booked")
	return id, nil
}

func (s *ReconciliationService) statementLine(ctx context.Context, item *models.ReconciliationItem) (*models.StatementLine, error) {
	lines, err := s.repo.ListStatementLinesAfter(ctx, item.SessionID, item.Sequence-1)
	if err != nil {
		return nil, err
	}
	for i := range lines {
		if item.StatementLineID != nil && lines[i].ID == *item.StatementLineID {
			return &lines[i], nil
		}
	}
	return nil, models.ErrItemNotFound
}

// ManualMatch links a statement-only item to a ledger entry. A system-only
// item for the same entry is ignored.
func (s *ReconciliationService) ManualMatch(ctx context.Context, itemID, entryID uuid.UUID, notes, actor string) (*models.ReconciliationItem, error) {
	entry, err := s.repo.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.EntryCompleted {
		return nil, fmt.Errorf("%w: only completed entries can be matched", models.ErrInvalidResolution)
	}

	var matched *models.ReconciliationItem
	err = s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		item, err := s.openItem(ctx, txRepo, itemID)
		if err != nil {
			return err
		}
		if item.StatementLineID == nil || item.PaymentLedgerID != nil {
			return fmt.Errorf("%w: only statement-only items can be matched manually", models.ErrInvalidResolution)
		}

		other, err := txRepo.FindItemByLedgerEntry(ctx, item.SessionID, entryID)
		switch {
		case err == nil && other.StatementLineID != nil:
			return models.ErrLedgerEntryAlreadyMatched
		case err == nil:
			other.Status = models.ItemIgnored
			other.Notes = "matched manually to item " + item.ID.String()
			other.ResolvedBy = actor
			if err := txRepo.UpdateItem(ctx, other); err != nil {
				return err
			}
		case !errors.Is(err, models.ErrItemNotFound):
			return err
		}

		now := time.Now().UTC()
		paymentDate := entry.PaymentDate
		system := entry.SignedAmount()
		result := MatchResult{Index: 0, Type: models.MatchManual, Confidence: decimal.NewFromInt(1)}
		status, discrepancy, action := s.policy.Classify(*item.StatementAmount, system, result)

		item.PaymentLedgerID = &entry.ID
		item.SystemDate = &paymentDate
		item.SystemAmount = &system
		item.SystemReference = entry.TxnRef()
		item.MatchType = models.MatchManual
		item.MatchConfidence = result.Confidence
		item.DiscrepancyAmount = discrepancy
		item.Status = status
		item.ResolutionAction = action
		item.Notes = notes
		item.ResolvedBy = actor
		item.ResolvedAt = &now
		if err := txRepo.UpdateItem(ctx, item); err != nil {
			return err
		}
		matched = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.reconciliationItem(string(models.MatchManual), string(matched.Status))
	return matched, nil
}

// IgnoreItem excludes an item from the session
func (s *ReconciliationService) IgnoreItem(ctx context.Context, itemID uuid.UUID, notes, actor string) (*models.ReconciliationItem, error) {
	var ignored *models.ReconciliationItem
	err := s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		item, err := s.openItem(ctx, txRepo, itemID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		item.Status = models.ItemIgnored
		item.Notes = notes
		item.ResolvedBy = actor
		item.ResolvedAt = &now
		if err := txRepo.UpdateItem(ctx, item); err != nil {
			return err
		}
		ignored = item
		return nil
	})
	return ignored, err
}

// Complete closes a session. Unresolved items block completion unless
// override is set; the unmatched count is recorded either way.
func (s *ReconciliationService) Complete(ctx context.Context, sessionID uuid.UUID, override bool, actor string) (*models.ReconciliationSession, error) {
	var completed *models.ReconciliationSession
	err := s.repo.WithTransaction(ctx, func(txRepo *repository.Repository) error {
		session, err := txRepo.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status == models.SessionCompleted {
			return models.ErrSessionClosed
		}
		if session.MatchingCompletedAt == nil {
			return models.ErrMatchingIncomplete
		}

		unresolved, err := txRepo.CountUnresolvedItems(ctx, sessionID)
		if err != nil {
			return err
		}
		if unresolved > 0 && !override {
			return &models.UnresolvedDiscrepanciesError{Count: int(unresolved)}
		}

		unmatched, err := txRepo.CountUnmatchedItems(ctx, sessionID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		session.Status = models.SessionCompleted
		session.UnmatchedCount = int(unmatched)
		session.Override = override && unresolved > 0
		session.CompletedBy = actor
		session.CompletedAt = &now
		if err := txRepo.UpdateSession(ctx, session); err != nil {
			return err
		}
		completed = session
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"unmatched":  completed.UnmatchedCount,
		"override":   completed.Override,
		"actor":      actor,
	}).Info("reconciliation session completed")
	return completed, nil
}

// Summary aggregates a session's items
func (s *ReconciliationService) Summary(ctx context.Context, sessionID uuid.UUID) (*models.ReconciliationSummary, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListItems(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	summary := &models.ReconciliationSummary{Session: *session, TotalDiscrepancy: decimal.Zero}
	for _, item := range items {
		if item.Status == models.ItemIgnored {
			continue
		}
		switch item.MatchType {
		case models.MatchExact:
			summary.ExactMatches++
		case models.MatchFuzzy:
			summary.FuzzyMatches++
		case models.MatchManual:
			summary.ManualMatches++
		case models.MatchUnmatched:
			summary.Unmatched++
		}
		if item.Status.IsUnresolved() {
			summary.Unresolved++
		}
		summary.TotalDiscrepancy = summary.TotalDiscrepancy.Add(item.DiscrepancyAmount)
	}
	return summary, nil
}

// openItem loads an unresolved item of an in-progress session for update
func (s *ReconciliationService) openItem(ctx context.Context, txRepo *repository.Repository, itemID uuid.UUID) (*models.ReconciliationItem, error) {
	item, err := txRepo.GetItemForUpdate(ctx, itemID)
	if err != nil {
		return nil, err
	}
	session, err := txRepo.GetSession(ctx, item.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionCompleted {
		return nil, models.ErrSessionClosed
	}
	if !item.Status.IsUnresolved() {
		return nil, fmt.Errorf("%w: item is %s", models.ErrInvalidResolution, item.Status)
	}
	return item, nil
}

func filterFor(session *models.ReconciliationSession) repository.ReconcilableFilter {
	return repository.ReconcilableFilter{
		GatewayCode:   session.GatewayCode,
		PaymentMethod: session.PaymentMethod,
		From:          session.PeriodStart,
		To:            session.PeriodEnd,
		AsOf:          session.AsOf,
	}
}

func itemMetadata(meta map[string]interface{}) datatypes.JSON {
	if len(meta) == 0 {
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
