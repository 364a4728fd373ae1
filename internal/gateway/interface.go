package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ledger-service/internal/models"
)

// WebhookParser verifies a gateway notification and normalises it
type WebhookParser interface {
	// Code returns the gateway code
	Code() models.GatewayCode

	// ParseWebhook verifies the signature and converts the payload. Events the
	// ledger does not care about come back with Kind EventIgnored.
	ParseWebhook(payload []byte, signature, eventID string) (*models.GatewayEvent, error)
}

// RefundDispatcher sends refunds to a gateway
type RefundDispatcher interface {
	// Code returns the gateway code
	Code() models.GatewayCode

	// CreateRefund asks the gateway to refund part of a captured payment
	CreateRefund(ctx context.Context, req *RefundRequest) (*RefundResult, error)
}

// RefundRequest represents a request to refund a captured payment
type RefundRequest struct {
	GatewayPaymentID string
	Amount           decimal.Decimal
	Currency         string
	Reason           string
	IdempotencyKey   string
	Metadata         map[string]string
}

// RefundOutcome is the gateway-reported state of a refund
type RefundOutcome string

const (
	RefundOutcomePending   RefundOutcome = "pending"
	RefundOutcomeSucceeded RefundOutcome = "succeeded"
	RefundOutcomeFailed    RefundOutcome = "failed"
)

// RefundResult represents the result of a refund operation
type RefundResult struct {
	GatewayRefundID string                 `json:"gatewayRefundId"`
	Status          RefundOutcome          `json:"status"`
	Amount          decimal.Decimal        `json:"amount"`
	Currency        string                 `json:"currency"`
	FailureMessage  string                 `json:"failureMessage,omitempty"`
	RawResponse     map[string]interface{} `json:"rawResponse,omitempty"`
}

// GatewayError represents an error from a payment gateway
type GatewayError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *GatewayError) Error() string {
	return e.Message
}

// NewGatewayError creates a new gateway error
func NewGatewayError(code, message string, retryable bool) *GatewayError {
	return &GatewayError{
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}
}

// zeroDecimalCurrencies are charged in whole units by the gateways
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

func minorUnitExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// FromMinorUnits converts a gateway integer amount (cents, paise) to a decimal
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -minorUnitExponent(currency))
}

// ToMinorUnits converts a decimal amount to the gateway integer amount
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(minorUnitExponent(currency)).Round(0).IntPart()
}

// errMissingQuote is returned when a payment carries no quote reference
func errMissingQuote(gateway models.GatewayCode, id string) error {
	return fmt.Errorf("%w: %s payment %s has no quote_id", models.ErrInvalidEvent, gateway, id)
}
