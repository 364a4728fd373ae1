package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RefundType represents the type of refund
type RefundType string

const (
	RefundFull    RefundType = "full"
	RefundPartial RefundType = "partial"
)

// RefundStatus is the lifecycle status of a refund request
type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundApproved   RefundStatus = "approved"
	RefundProcessing RefundStatus = "processing"
	RefundCompleted  RefundStatus = "completed"
	RefundFailed     RefundStatus = "failed"
	RefundCancelled  RefundStatus = "cancelled"
)

// refundTransitions lists the allowed next states for each refund status
var refundTransitions = map[RefundStatus][]RefundStatus{
	RefundPending:    {RefundApproved, RefundCancelled},
	RefundApproved:   {RefundProcessing, RefundCancelled, RefundFailed},
	RefundProcessing: {RefundCompleted, RefundFailed},
}

// CanTransitionTo reports whether the lifecycle allows moving to next
func (s RefundStatus) CanTransitionTo(next RefundStatus) bool {
	for _, allowed := range refundTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible
func (s RefundStatus) IsTerminal() bool {
	return len(refundTransitions[s]) == 0
}

// RefundRequest is a request to return money to the customer of a quote
type RefundRequest struct {
	ID              uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	QuoteID         uuid.UUID        `gorm:"type:uuid;not null;index:idx_refund_requests_quote" json:"quoteId"`
	RefundType      RefundType       `gorm:"type:varchar(20);not null" json:"refundType"`
	RequestedAmount decimal.Decimal  `gorm:"type:decimal(18,4);not null" json:"requestedAmount"`
	ApprovedAmount  *decimal.Decimal `gorm:"type:decimal(18,4)" json:"approvedAmount,omitempty"`
	Currency        string           `gorm:"type:varchar(3);not null" json:"currency"`
	Status          RefundStatus     `gorm:"type:varchar(20);not null;index:idx_refund_requests_status" json:"status"`
	Reason          string           `gorm:"type:varchar(255)" json:"reason,omitempty"`
	RequestedBy     string           `gorm:"type:varchar(255)" json:"requestedBy,omitempty"`
	ApprovedBy      string           `gorm:"type:varchar(255)" json:"approvedBy,omitempty"`
	FailureReason   string           `gorm:"type:text" json:"failureReason,omitempty"`
	ApprovedAt      *time.Time       `json:"approvedAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`

	Items []RefundItem `gorm:"foreignKey:RefundRequestID" json:"items,omitempty"`
}

// TableName specifies the table name for RefundRequest
func (RefundRequest) TableName() string {
	return "refund_requests"
}

// BeforeCreate assigns the identifier
func (r *RefundRequest) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// RefundItemStatus is the status of a single allocation
type RefundItemStatus string

const (
	RefundItemPending   RefundItemStatus = "pending"
	RefundItemCompleted RefundItemStatus = "completed"
	RefundItemFailed    RefundItemStatus = "failed"
)

// RefundItem allocates part of a refund against one original payment entry.
// AllocatedAmount is in the original entry's currency and BaseAmount uses the
// exchange rate stored on that entry.
type RefundItem struct {
	ID                 uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	RefundRequestID    uuid.UUID        `gorm:"type:uuid;not null;index:idx_refund_items_request" json:"refundRequestId"`
	OriginalPaymentID  uuid.UUID        `gorm:"type:uuid;not null;index:idx_refund_items_payment" json:"originalPaymentId"`
	AllocatedAmount    decimal.Decimal  `gorm:"type:decimal(18,4);not null" json:"allocatedAmount"`
	Currency           string           `gorm:"type:varchar(3);not null" json:"currency"`
	ExchangeRate       decimal.Decimal  `gorm:"type:decimal(18,8);not null" json:"exchangeRate"`
	BaseAmount         decimal.Decimal  `gorm:"type:decimal(18,4);not null" json:"baseAmount"`
	GatewayCode        GatewayCode      `gorm:"type:varchar(50)" json:"gatewayCode,omitempty"`
	GatewayPaymentRef  string           `gorm:"type:varchar(255)" json:"gatewayPaymentRef,omitempty"`
	GatewayRefundID    *string          `gorm:"type:varchar(255);index:idx_refund_items_gateway_refund" json:"gatewayRefundId,omitempty"`
	Status             RefundItemStatus `gorm:"type:varchar(20);not null;index:idx_refund_items_status" json:"status"`
	LedgerEntryID      *uuid.UUID       `gorm:"type:uuid" json:"ledgerEntryId,omitempty"`
	FailureReason      string           `gorm:"type:text" json:"failureReason,omitempty"`
	Sequence           int              `gorm:"not null" json:"sequence"`
	CompletedAt        *time.Time       `json:"completedAt,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// TableName specifies the table name for RefundItem
func (RefundItem) TableName() string {
	return "refund_items"
}

// BeforeCreate assigns the identifier
func (i *RefundItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// ConsumesBalance reports whether the item still counts against the
// refundable balance of its original payment
func (i *RefundItem) ConsumesBalance() bool {
	return i.Status != RefundItemFailed
}
