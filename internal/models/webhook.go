package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GatewayEventKind is the normalised kind of a gateway notification
type GatewayEventKind string

const (
	EventPaymentSucceeded GatewayEventKind = "payment_succeeded"
	EventRefundSucceeded  GatewayEventKind = "refund_succeeded"
	EventRefundFailed     GatewayEventKind = "refund_failed"
	EventIgnored          GatewayEventKind = "ignored"
)

// GatewayEvent is a gateway notification after signature verification and
// parsing, independent of the gateway's wire format.
type GatewayEvent struct {
	Kind                 GatewayEventKind `json:"kind"`
	EventID              string           `json:"eventId"`
	EventType            string           `json:"eventType"`
	GatewayCode          GatewayCode      `json:"gatewayCode"`
	QuoteID              uuid.UUID        `json:"quoteId"`
	GatewayTransactionID string           `json:"gatewayTransactionId"`
	GatewayRefundID      string           `json:"gatewayRefundId,omitempty"`
	Amount               decimal.Decimal  `json:"amount"`
	Currency             string           `json:"currency"`
	PaymentMethod        string           `json:"paymentMethod,omitempty"`
	ReferenceNumber      string           `json:"referenceNumber,omitempty"`
	OccurredAt           time.Time        `json:"occurredAt"`
	FailureReason        string           `json:"failureReason,omitempty"`
}

// WebhookEvent stores every webhook delivery for audit and replay
type WebhookEvent struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	GatewayCode     GatewayCode    `gorm:"type:varchar(50);not null;index:idx_webhooks_gateway" json:"gatewayCode"`
	EventID         string         `gorm:"type:varchar(255);not null;index:idx_webhooks_event" json:"eventId"`
	EventType       string         `gorm:"type:varchar(100);not null" json:"eventType"`
	Payload         datatypes.JSON `json:"payload"`
	Processed       bool           `gorm:"default:false;index:idx_webhooks_processed" json:"processed"`
	Duplicate       bool           `gorm:"default:false" json:"duplicate"`
	ProcessedAt     *time.Time     `json:"processedAt,omitempty"`
	ProcessingError string         `gorm:"type:text" json:"processingError,omitempty"`
	LedgerEntryID   *uuid.UUID     `gorm:"type:uuid" json:"ledgerEntryId,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// TableName specifies the table name for WebhookEvent
func (WebhookEvent) TableName() string {
	return "webhook_events"
}

// BeforeCreate assigns the identifier
func (w *WebhookEvent) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return nil
}
