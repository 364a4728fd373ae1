package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ledger-service/internal/models"
)

// --- Reconciliation Session Methods ---

// CreateSession creates a reconciliation session
func (r *Repository) CreateSession(ctx context.Context, session *models.ReconciliationSession) error {
	return r.db.WithContext(ctx).Create(session).Error
}

// GetSession gets a session by ID
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.ReconciliationSession, error) {
	var session models.ReconciliationSession
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// GetSessionForUpdate gets a session and locks its row
func (r *Repository) GetSessionForUpdate(ctx context.Context, id uuid.UUID) (*models.ReconciliationSession, error) {
	var session models.ReconciliationSession
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// UpdateSession saves a session
func (r *Repository) UpdateSession(ctx context.Context, session *models.ReconciliationSession) error {
	return r.db.WithContext(ctx).Save(session).Error
}

// ListUnfinishedSessions lists in-progress sessions whose matching has not finished
func (r *Repository) ListUnfinishedSessions(ctx context.Context, limit int) ([]models.ReconciliationSession, error) {
	var sessions []models.ReconciliationSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND matching_completed_at IS NULL", models.SessionInProgress).
		Order("created_at ASC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

// --- Statement Line Methods ---

// CreateStatementLines stores the statement lines of a session
func (r *Repository) CreateStatementLines(ctx context.Context, lines []models.StatementLine) error {
	if len(lines) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(&lines, 500).Error
}

// ListStatementLinesAfter lists the lines of a session with LineNo > after
func (r *Repository) ListStatementLinesAfter(ctx context.Context, sessionID uuid.UUID, after int) ([]models.StatementLine, error) {
	var lines []models.StatementLine
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND line_no > ?", sessionID, after).
		Order("line_no ASC").
		Find(&lines).Error
	return lines, err
}

// --- Reconciliation Item Methods ---

// CreateItem creates a reconciliation item
func (r *Repository) CreateItem(ctx context.Context, item *models.ReconciliationItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

// GetItemForUpdate gets an item and locks its row
func (r *Repository) GetItemForUpdate(ctx context.Context, id uuid.UUID) (*models.ReconciliationItem, error) {
	var item models.ReconciliationItem
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

// UpdateItem saves an item
func (r *Repository) UpdateItem(ctx context.Context, item *models.ReconciliationItem) error {
	return r.db.WithContext(ctx).Save(item).Error
}

// ListItems lists the items of a session in matching order
func (r *Repository) ListItems(ctx context.Context, sessionID uuid.UUID) ([]models.ReconciliationItem, error) {
	var items []models.ReconciliationItem
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("sequence ASC").
		Find(&items).Error
	return items, err
}

// FindItemByLedgerEntry finds the item of a session that references a ledger entry
func (r *Repository) FindItemByLedgerEntry(ctx context.Context, sessionID, entryID uuid.UUID) (*models.ReconciliationItem, error) {
	var item models.ReconciliationItem
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND payment_ledger_id = ? AND status <> ?", sessionID, entryID, models.ItemIgnored).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

// MatchedLedgerIDs returns the ledger entries already assigned in a session
func (r *Repository) MatchedLedgerIDs(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.ReconciliationItem{}).
		Where("session_id = ? AND payment_ledger_id IS NOT NULL", sessionID).
		Pluck("payment_ledger_id", &ids).Error
	return ids, err
}

// CountUnresolvedItems counts items that still block completion
func (r *Repository) CountUnresolvedItems(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ReconciliationItem{}).
		Where("session_id = ? AND status IN ?", sessionID, []models.ItemStatus{models.ItemPending, models.ItemDiscrepancy}).
		Count(&count).Error
	return count, err
}

// CountUnmatchedItems counts items without a counterpart
func (r *Repository) CountUnmatchedItems(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ReconciliationItem{}).
		Where("session_id = ? AND match_type = ? AND status <> ?", sessionID, models.MatchUnmatched, models.ItemIgnored).
		Count(&count).Error
	return count, err
}
