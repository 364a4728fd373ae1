package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SessionStatus is the status of a reconciliation session
type SessionStatus string

const (
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
)

// MatchType describes how a reconciliation item was matched
type MatchType string

const (
	MatchExact     MatchType = "exact"
	MatchFuzzy     MatchType = "fuzzy"
	MatchManual    MatchType = "manual"
	MatchUnmatched MatchType = "unmatched"
)

// ItemStatus is the review status of a reconciliation item
type ItemStatus string

const (
	ItemPending     ItemStatus = "pending"
	ItemMatched     ItemStatus = "matched"
	ItemDiscrepancy ItemStatus = "discrepancy"
	ItemResolved    ItemStatus = "resolved"
	ItemIgnored     ItemStatus = "ignored"
)

// IsUnresolved reports whether the item still blocks session completion
func (s ItemStatus) IsUnresolved() bool {
	return s == ItemPending || s == ItemDiscrepancy
}

// ResolutionAction records how a discrepancy was settled
type ResolutionAction string

const (
	ResolutionAcceptDifference ResolutionAction = "accept_difference"
	ResolutionCreateAdjustment ResolutionAction = "create_adjustment"
	ResolutionWriteOff         ResolutionAction = "write_off"
	ResolutionInvestigate      ResolutionAction = "investigate"
)

// IsValid reports whether the action is known
func (a ResolutionAction) IsValid() bool {
	switch a {
	case ResolutionAcceptDifference, ResolutionCreateAdjustment, ResolutionWriteOff, ResolutionInvestigate:
		return true
	}
	return false
}

// ReconciliationSession compares a gateway statement against the ledger for
// one payment method and date range. Completed sessions are never reopened.
type ReconciliationSession struct {
	ID            uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	PaymentMethod string        `gorm:"type:varchar(50)" json:"paymentMethod,omitempty"`
	GatewayCode   GatewayCode   `gorm:"type:varchar(50)" json:"gatewayCode,omitempty"`
	PeriodStart   time.Time     `gorm:"not null" json:"periodStart"`
	PeriodEnd     time.Time     `gorm:"not null" json:"periodEnd"`
	Status        SessionStatus `gorm:"type:varchar(20);not null;index:idx_recon_sessions_status" json:"status"`

	// AsOf fixes the ledger snapshot the session matches against
	AsOf time.Time `gorm:"not null" json:"asOf"`

	OpeningBalance decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"openingBalance"`
	StatementTotal decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"statementTotal"`
	SystemTotal    decimal.Decimal `gorm:"type:decimal(18,4);not null;default:0" json:"systemTotal"`
	SystemCount    int             `gorm:"not null;default:0" json:"systemCount"`
	TotalLines     int             `gorm:"not null;default:0" json:"totalLines"`

	LastProcessedLine   int        `gorm:"not null;default:0" json:"lastProcessedLine"`
	MatchingCompletedAt *time.Time `json:"matchingCompletedAt,omitempty"`

	UnmatchedCount    int        `gorm:"not null;default:0" json:"unmatchedCount"`
	Override          bool       `gorm:"not null;default:false" json:"override"`
	PreviousSessionID *uuid.UUID `gorm:"type:uuid" json:"previousSessionId,omitempty"`

	CreatedBy   string     `gorm:"type:varchar(255)" json:"createdBy,omitempty"`
	CompletedBy string     `gorm:"type:varchar(255)" json:"completedBy,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TableName specifies the table name for ReconciliationSession
func (ReconciliationSession) TableName() string {
	return "reconciliation_sessions"
}

// BeforeCreate assigns the identifier
func (s *ReconciliationSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// StatementLine is one row of an imported gateway statement
type StatementLine struct {
	ID          uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID   uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:uq_statement_line_no" json:"sessionId"`
	LineNo      int             `gorm:"not null;uniqueIndex:uq_statement_line_no" json:"lineNo"`
	Date        time.Time       `gorm:"not null" json:"date"`
	Amount      decimal.Decimal `gorm:"type:decimal(18,4);not null" json:"amount"`
	Currency    string          `gorm:"type:varchar(3)" json:"currency,omitempty"`
	Reference   string          `gorm:"type:varchar(255)" json:"reference,omitempty"`
	Description string          `gorm:"type:text" json:"description,omitempty"`
}

// TableName specifies the table name for StatementLine
func (StatementLine) TableName() string {
	return "reconciliation_statement_lines"
}

// BeforeCreate assigns the identifier
func (l *StatementLine) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// ReconciliationItem pairs a statement line with a ledger entry, or records
// one side that could not be matched.
type ReconciliationItem struct {
	ID                 uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID          uuid.UUID        `gorm:"type:uuid;not null;index:idx_recon_items_session" json:"sessionId"`
	Sequence           int              `gorm:"not null" json:"sequence"`
	StatementLineID    *uuid.UUID       `gorm:"type:uuid" json:"statementLineId,omitempty"`
	PaymentLedgerID    *uuid.UUID       `gorm:"type:uuid;index:idx_recon_items_ledger" json:"paymentLedgerId,omitempty"`
	StatementDate      *time.Time       `json:"statementDate,omitempty"`
	StatementAmount    *decimal.Decimal `gorm:"type:decimal(18,4)" json:"statementAmount,omitempty"`
	StatementReference string           `gorm:"type:varchar(255)" json:"statementReference,omitempty"`
	SystemDate         *time.Time       `json:"systemDate,omitempty"`
	SystemAmount       *decimal.Decimal `gorm:"type:decimal(18,4)" json:"systemAmount,omitempty"`
	SystemReference    string           `gorm:"type:varchar(255)" json:"systemReference,omitempty"`
	MatchType          MatchType        `gorm:"type:varchar(20);not null" json:"matchType"`
	MatchConfidence    decimal.Decimal  `gorm:"type:decimal(5,4);not null;default:0" json:"matchConfidence"`
	DiscrepancyAmount  decimal.Decimal  `gorm:"type:decimal(18,4);not null;default:0" json:"discrepancyAmount"`
	Status             ItemStatus       `gorm:"type:varchar(20);not null;index:idx_recon_items_status" json:"status"`
	ResolutionAction   ResolutionAction `gorm:"type:varchar(30)" json:"resolutionAction,omitempty"`
	AdjustmentEntryID  *uuid.UUID       `gorm:"type:uuid" json:"adjustmentEntryId,omitempty"`
	Notes              string           `gorm:"type:text" json:"notes,omitempty"`
	Metadata           datatypes.JSON   `json:"metadata,omitempty"`
	ResolvedBy         string           `gorm:"type:varchar(255)" json:"resolvedBy,omitempty"`
	ResolvedAt         *time.Time       `json:"resolvedAt,omitempty"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

// TableName specifies the table name for ReconciliationItem
func (ReconciliationItem) TableName() string {
	return "reconciliation_items"
}

// BeforeCreate assigns the identifier
func (i *ReconciliationItem) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
