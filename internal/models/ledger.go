package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PaymentType classifies a ledger entry
type PaymentType string

const (
	PaymentTypeCustomerPayment PaymentType = "customer_payment"
	PaymentTypeRefund          PaymentType = "refund"
	PaymentTypePartialRefund   PaymentType = "partial_refund"
	PaymentTypeCreditApplied   PaymentType = "credit_applied"
	PaymentTypeAdjustment      PaymentType = "adjustment"
)

// IsValid reports whether the payment type is known
func (t PaymentType) IsValid() bool {
	switch t {
	case PaymentTypeCustomerPayment, PaymentTypeRefund, PaymentTypePartialRefund,
		PaymentTypeCreditApplied, PaymentTypeAdjustment:
		return true
	}
	return false
}

// IsRefund reports whether the entry reduces the amount paid by its type alone
func (t PaymentType) IsRefund() bool {
	return t == PaymentTypeRefund || t == PaymentTypePartialRefund
}

// IsRefundable reports whether refunds may be allocated against entries of this type
func (t PaymentType) IsRefundable() bool {
	return t == PaymentTypeCustomerPayment || t == PaymentTypeCreditApplied
}

// EntryStatus is the lifecycle status of a ledger entry
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntryCancelled EntryStatus = "cancelled"
)

// IsValid reports whether the entry status is known
func (s EntryStatus) IsValid() bool {
	switch s {
	case EntryPending, EntryCompleted, EntryFailed, EntryCancelled:
		return true
	}
	return false
}

// GatewayCode identifies the payment gateway that produced an entry
type GatewayCode string

const (
	GatewayStripe   GatewayCode = "stripe"
	GatewayRazorpay GatewayCode = "razorpay"
	GatewayManual   GatewayCode = "manual"
)

// PaymentLedgerEntry is one immutable money movement for a quote.
// Once completed the row is never updated; corrections are new entries.
type PaymentLedgerEntry struct {
	ID      uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	QuoteID uuid.UUID   `gorm:"type:uuid;not null;index:idx_ledger_quote" json:"quoteId"`
	Type    PaymentType `gorm:"column:payment_type;type:varchar(30);not null;index:idx_ledger_type" json:"paymentType"`

	// Amount is in Currency. Positive for payments and refunds, signed for adjustments.
	Amount             decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount"`
	Currency           string          `gorm:"type:varchar(3);not null" json:"currency"`
	ExchangeRate       decimal.Decimal `gorm:"type:decimal(18,8);not null" json:"exchangeRate"`
	BaseAmount         decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"baseAmount"`
	SettlementCurrency string          `gorm:"type:varchar(3);not null" json:"settlementCurrency"`

	PaymentMethod        string      `gorm:"type:varchar(50)" json:"paymentMethod,omitempty"`
	GatewayCode          GatewayCode `gorm:"type:varchar(50);index:idx_ledger_gateway" json:"gatewayCode,omitempty"`
	GatewayTransactionID *string     `gorm:"type:varchar(255)" json:"gatewayTransactionId,omitempty"`
	ReferenceNumber      string      `gorm:"type:varchar(255)" json:"referenceNumber,omitempty"`

	Status      EntryStatus `gorm:"type:varchar(20);not null;index:idx_ledger_status" json:"status"`
	PaymentDate time.Time   `gorm:"not null;index:idx_ledger_payment_date" json:"paymentDate"`

	Metadata  datatypes.JSON `json:"metadata,omitempty"`
	CreatedBy string         `gorm:"type:varchar(255)" json:"createdBy,omitempty"`
	CreatedAt time.Time      `gorm:"not null;index:idx_ledger_created" json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// TableName specifies the table name for PaymentLedgerEntry
func (PaymentLedgerEntry) TableName() string {
	return "payment_ledger"
}

// BeforeCreate assigns identifiers and timestamps
func (e *PaymentLedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	return nil
}

// SignedBaseAmount returns the contribution of the entry to amount_paid.
// Only completed entries contribute.
func (e *PaymentLedgerEntry) SignedBaseAmount() decimal.Decimal {
	if e.Status != EntryCompleted {
		return decimal.Zero
	}
	if e.Type.IsRefund() {
		return e.BaseAmount.Abs().Neg()
	}
	// adjustments carry their own sign
	return e.BaseAmount
}

// SignedAmount returns the entry amount in its own currency with refunds negated,
// as it appears on a gateway statement.
func (e *PaymentLedgerEntry) SignedAmount() decimal.Decimal {
	if e.Type.IsRefund() {
		return e.Amount.Abs().Neg()
	}
	return e.Amount
}

// TxnRef returns the gateway transaction id or an empty string
func (e *PaymentLedgerEntry) TxnRef() string {
	if e.GatewayTransactionID == nil {
		return ""
	}
	return *e.GatewayTransactionID
}

// QuotePaymentStatus is the projected payment status of a quote
type QuotePaymentStatus string

const (
	QuoteUnpaid   QuotePaymentStatus = "unpaid"
	QuotePartial  QuotePaymentStatus = "partial"
	QuotePaid     QuotePaymentStatus = "paid"
	QuoteOverpaid QuotePaymentStatus = "overpaid"
)

// QuoteRef is the local view of a quote. FinalTotal and FinalCurrency are
// owned by the quote service; AmountPaid and PaymentStatus are projected from
// the ledger and must never be edited directly.
type QuoteRef struct {
	ID            uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	FinalTotal    decimal.Decimal    `gorm:"type:decimal(18,4);not null" json:"finalTotal"`
	FinalCurrency string             `gorm:"type:varchar(3);not null" json:"finalCurrency"`
	AmountPaid    decimal.Decimal    `gorm:"type:decimal(18,4);not null;default:0" json:"amountPaid"`
	PaymentStatus QuotePaymentStatus `gorm:"type:varchar(20);not null;default:'unpaid'" json:"paymentStatus"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// TableName specifies the table name for QuoteRef
func (QuoteRef) TableName() string {
	return "quotes"
}

// ExchangeRate is the rate to convert one unit of FromCurrency into ToCurrency,
// effective from EffectiveAt until superseded.
type ExchangeRate struct {
	ID           uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	FromCurrency string          `gorm:"type:varchar(3);not null;index:idx_fx_pair" json:"fromCurrency"`
	ToCurrency   string          `gorm:"type:varchar(3);not null;index:idx_fx_pair" json:"toCurrency"`
	Rate         decimal.Decimal `gorm:"type:decimal(18,8);not null" json:"rate"`
	EffectiveAt  time.Time       `gorm:"not null;index:idx_fx_effective" json:"effectiveAt"`
	Source       string          `gorm:"type:varchar(50)" json:"source,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// TableName specifies the table name for ExchangeRate
func (ExchangeRate) TableName() string {
	return "exchange_rates"
}

// BeforeCreate assigns the identifier
func (r *ExchangeRate) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}
