package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	razorpayLib "github.com/razorpay/razorpay-go"

	"ledger-service/internal/models"
)

// RazorpayGateway parses Razorpay webhooks and dispatches Razorpay refunds
type RazorpayGateway struct {
	client        *razorpayLib.Client
	webhookSecret string
}

// NewRazorpayGateway creates a new Razorpay gateway instance
func NewRazorpayGateway(keyID, keySecret, webhookSecret string) (*RazorpayGateway, error) {
	if webhookSecret == "" && (keyID == "" || keySecret == "") {
		return nil, fmt.Errorf("Razorpay key ID and secret or a webhook secret are required")
	}

	var client *razorpayLib.Client
	if keyID != "" && keySecret != "" {
		client = razorpayLib.NewClient(keyID, keySecret)
	}

	return &RazorpayGateway{
		client:        client,
		webhookSecret: webhookSecret,
	}, nil
}

// Code returns the gateway code
func (g *RazorpayGateway) Code() models.GatewayCode {
	return models.GatewayRazorpay
}

type razorpayWebhook struct {
	Event     string `json:"event"`
	CreatedAt int64  `json:"created_at"`
	Payload   struct {
		Payment *struct {
			Entity razorpayPayment `json:"entity"`
		} `json:"payment"`
		Refund *struct {
			Entity razorpayRefund `json:"entity"`
		} `json:"refund"`
	} `json:"payload"`
}

type razorpayPayment struct {
	ID        string            `json:"id"`
	OrderID   string            `json:"order_id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Status    string            `json:"status"`
	Method    string            `json:"method"`
	Notes     map[string]string `json:"notes"`
	CreatedAt int64             `json:"created_at"`
}

type razorpayRefund struct {
	ID        string            `json:"id"`
	PaymentID string            `json:"payment_id"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Status    string            `json:"status"`
	Notes     map[string]string `json:"notes"`
	CreatedAt int64             `json:"created_at"`
}

// ParseWebhook verifies the X-Razorpay-Signature HMAC and normalises the event
func (g *RazorpayGateway) ParseWebhook(payload []byte, signature, eventID string) (*models.GatewayEvent, error) {
	if err := g.VerifyWebhook(payload, signature); err != nil {
		return nil, err
	}

	var hook razorpayWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, fmt.Errorf("%w: failed to parse webhook payload: %v", models.ErrInvalidEvent, err)
	}

	result := &models.GatewayEvent{
		Kind:        models.EventIgnored,
		EventID:     eventID,
		EventType:   hook.Event,
		GatewayCode: models.GatewayRazorpay,
		OccurredAt:  time.Unix(hook.CreatedAt, 0).UTC(),
	}

	switch hook.Event {
	case "payment.captured":
		if hook.Payload.Payment == nil {
			return nil, fmt.Errorf("%w: payment.captured without payment entity", models.ErrInvalidEvent)
		}
		p := hook.Payload.Payment.Entity
		quoteID, err := uuid.Parse(p.Notes["quote_id"])
		if err != nil {
			return nil, errMissingQuote(models.GatewayRazorpay, p.ID)
		}
		currency := strings.ToUpper(p.Currency)
		result.Kind = models.EventPaymentSucceeded
		result.QuoteID = quoteID
		result.GatewayTransactionID = p.ID
		result.ReferenceNumber = p.OrderID
		result.Amount = FromMinorUnits(p.Amount, currency)
		result.Currency = currency
		result.PaymentMethod = p.Method
		if p.CreatedAt > 0 {
			result.OccurredAt = time.Unix(p.CreatedAt, 0).UTC()
		}
		if result.EventID == "" {
			result.EventID = hook.Event + ":" + p.ID
		}

	case "refund.processed", "refund.failed":
		if hook.Payload.Refund == nil {
			return nil, fmt.Errorf("%w: %s without refund entity", models.ErrInvalidEvent, hook.Event)
		}
		r := hook.Payload.Refund.Entity
		currency := strings.ToUpper(r.Currency)
		result.Kind = models.EventRefundSucceeded
		if hook.Event == "refund.failed" {
			result.Kind = models.EventRefundFailed
			result.FailureReason = "gateway reported refund failure"
		}
		result.GatewayRefundID = r.ID
		result.GatewayTransactionID = r.PaymentID
		result.Amount = FromMinorUnits(r.Amount, currency)
		result.Currency = currency
		if quoteID, err := uuid.Parse(r.Notes["quote_id"]); err == nil {
			result.QuoteID = quoteID
		}
		if r.CreatedAt > 0 {
			result.OccurredAt = time.Unix(r.CreatedAt, 0).UTC()
		}
		if result.EventID == "" {
			result.EventID = hook.Event + ":" + r.ID
		}
	}

	if result.EventID == "" {
		result.EventID = fmt.Sprintf("%s:%d", hook.Event, hook.CreatedAt)
	}
	return result, nil
}

// VerifyWebhook verifies Razorpay webhook signature
func (g *RazorpayGateway) VerifyWebhook(payload []byte, signature string) error {
	if g.webhookSecret == "" {
		return fmt.Errorf("webhook secret not configured")
	}

	expectedSignature := ComputeHMAC(payload, g.webhookSecret)
	if !hmac.Equal([]byte(signature), []byte(expectedSignature)) {
		return fmt.Errorf("%w: razorpay signature mismatch", models.ErrInvalidSignature)
	}
	return nil
}

// CreateRefund creates a refund for a payment
func (g *RazorpayGateway) CreateRefund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	if g.client == nil {
		return nil, NewGatewayError("not_configured", "Razorpay API credentials are not configured", false)
	}

	amountPaise := ToMinorUnits(req.Amount, req.Currency)
	refundData := map[string]interface{}{
		"speed": "normal",
	}
	notes := map[string]string{}
	for k, v := range req.Metadata {
		notes[k] = v
	}
	if req.Reason != "" {
		notes["reason"] = req.Reason
	}
	if len(notes) > 0 {
		refundData["notes"] = notes
	}
	if req.IdempotencyKey != "" {
		refundData["receipt"] = req.IdempotencyKey
	}

	refundResp, err := g.client.Payment.Refund(req.GatewayPaymentID, int(amountPaise), refundData, nil)
	if err != nil {
		return nil, NewGatewayError("razorpay_error", err.Error(), true)
	}

	refundID, _ := refundResp["id"].(string)
	status, _ := refundResp["status"].(string)
	amountFloat, _ := refundResp["amount"].(float64)

	return &RefundResult{
		GatewayRefundID: refundID,
		Status:          g.mapRefundStatus(status),
		Amount:          FromMinorUnits(int64(amountFloat), req.Currency),
		Currency:        strings.ToUpper(req.Currency),
		RawResponse:     refundResp,
	}, nil
}

func (g *RazorpayGateway) mapRefundStatus(status string) RefundOutcome {
	switch status {
	case "processed":
		return RefundOutcomeSucceeded
	case "failed":
		return RefundOutcomeFailed
	default:
		return RefundOutcomePending
	}
}

// ComputeHMAC returns the hex HMAC-SHA256 of payload
func ComputeHMAC(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
