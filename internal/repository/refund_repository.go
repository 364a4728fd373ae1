package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ledger-service/internal/models"
)

// --- Refund Request Methods ---

// CreateRefundRequest creates a new refund request
func (r *Repository) CreateRefundRequest(ctx context.Context, req *models.RefundRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

// GetRefundRequest gets a refund request with its items
func (r *Repository) GetRefundRequest(ctx context.Context, id uuid.UUID) (*models.RefundRequest, error) {
	var req models.RefundRequest
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence ASC")
		}).
		Where("id = ?", id).
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrRefundNotFound
		}
		return nil, err
	}
	return &req, nil
}

// GetRefundRequestForUpdate gets a refund request and locks its row
func (r *Repository) GetRefundRequestForUpdate(ctx context.Context, id uuid.UUID) (*models.RefundRequest, error) {
	var req models.RefundRequest
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrRefundNotFound
		}
		return nil, err
	}
	return &req, nil
}

// UpdateRefundRequest saves a refund request without touching its items
func (r *Repository) UpdateRefundRequest(ctx context.Context, req *models.RefundRequest) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Save(req).Error
}

// ListRefundRequestsByQuote lists the refund requests of a quote
func (r *Repository) ListRefundRequestsByQuote(ctx context.Context, quoteID uuid.UUID) ([]models.RefundRequest, error) {
	var reqs []models.RefundRequest
	err := r.db.WithContext(ctx).
		Where("quote_id = ?", quoteID).
		Order("created_at ASC").
		Find(&reqs).Error
	return reqs, err
}

// --- Refund Item Methods ---

// CreateRefundItems inserts allocation items
func (r *Repository) CreateRefundItems(ctx context.Context, items []models.RefundItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&items).Error
}

// ListRefundItemsByPayments lists the items allocated against the given entries
func (r *Repository) ListRefundItemsByPayments(ctx context.Context, paymentIDs []uuid.UUID) ([]models.RefundItem, error) {
	var items []models.RefundItem
	if len(paymentIDs) == 0 {
		return items, nil
	}
	err := r.db.WithContext(ctx).
		Where("original_payment_id IN ?", paymentIDs).
		Find(&items).Error
	return items, err
}

// ListRefundItems lists the items of a refund request
func (r *Repository) ListRefundItems(ctx context.Context, requestID uuid.UUID) ([]models.RefundItem, error) {
	var items []models.RefundItem
	err := r.db.WithContext(ctx).
		Where("refund_request_id = ?", requestID).
		Order("sequence ASC").
		Find(&items).Error
	return items, err
}

// GetRefundItemForUpdate gets a refund item and locks its row
func (r *Repository) GetRefundItemForUpdate(ctx context.Context, id uuid.UUID) (*models.RefundItem, error) {
	var item models.RefundItem
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrRefundItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

// GetRefundItemByGatewayRefundID finds the item a gateway refund belongs to
func (r *Repository) GetRefundItemByGatewayRefundID(ctx context.Context, gatewayRefundID string) (*models.RefundItem, error) {
	var item models.RefundItem
	err := r.db.WithContext(ctx).
		Where("gateway_refund_id = ?", gatewayRefundID).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrRefundItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

// UpdateRefundItem saves a refund item
func (r *Repository) UpdateRefundItem(ctx context.Context, item *models.RefundItem) error {
	err := r.db.WithContext(ctx).Save(item).Error
	if err != nil && isUniqueViolation(err) {
		return models.ErrDuplicateEntry
	}
	return err
}
