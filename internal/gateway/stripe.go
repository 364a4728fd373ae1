package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/refund"
	"github.com/stripe/stripe-go/v76/webhook"

	"ledger-service/internal/models"
)

// StripeGateway parses Stripe webhooks and dispatches Stripe refunds
type StripeGateway struct {
	secretKey     string
	webhookSecret string
}

// NewStripeGateway creates a new Stripe gateway instance
func NewStripeGateway(secretKey, webhookSecret string) (*StripeGateway, error) {
	if secretKey == "" && webhookSecret == "" {
		return nil, fmt.Errorf("Stripe secret key or webhook secret is required")
	}
	return &StripeGateway{
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
	}, nil
}

// Code returns the gateway code
func (g *StripeGateway) Code() models.GatewayCode {
	return models.GatewayStripe
}

// ParseWebhook verifies a Stripe-Signature header and normalises the event
func (g *StripeGateway) ParseWebhook(payload []byte, signature, _ string) (*models.GatewayEvent, error) {
	if g.webhookSecret == "" {
		return nil, fmt.Errorf("webhook secret not configured")
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidSignature, err)
	}

	result := &models.GatewayEvent{
		Kind:        models.EventIgnored,
		EventID:     event.ID,
		EventType:   string(event.Type),
		GatewayCode: models.GatewayStripe,
		OccurredAt:  time.Unix(event.Created, 0).UTC(),
	}

	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: failed to parse payment intent: %v", models.ErrInvalidEvent, err)
		}
		quoteID, err := quoteFromMetadata(pi.Metadata)
		if err != nil {
			return nil, errMissingQuote(models.GatewayStripe, pi.ID)
		}
		currency := strings.ToUpper(string(pi.Currency))
		result.Kind = models.EventPaymentSucceeded
		result.QuoteID = quoteID
		result.GatewayTransactionID = pi.ID
		result.Amount = FromMinorUnits(pi.AmountReceived, currency)
		if result.Amount.IsZero() {
			result.Amount = FromMinorUnits(pi.Amount, currency)
		}
		result.Currency = currency
		if len(pi.PaymentMethodTypes) > 0 {
			result.PaymentMethod = pi.PaymentMethodTypes[0]
		}
		if pi.LatestCharge != nil {
			result.ReferenceNumber = pi.LatestCharge.ID
		}
		if pi.Created > 0 {
			result.OccurredAt = time.Unix(pi.Created, 0).UTC()
		}

	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return nil, fmt.Errorf("%w: failed to parse charge: %v", models.ErrInvalidEvent, err)
		}
		if charge.Refunds == nil || len(charge.Refunds.Data) == 0 {
			return result, nil
		}
		g.fillRefund(result, charge.Refunds.Data[0])

	case "charge.refund.updated", "refund.updated", "refund.created", "refund.failed":
		var r stripe.Refund
		if err := json.Unmarshal(event.Data.Raw, &r); err != nil {
			return nil, fmt.Errorf("%w: failed to parse refund: %v", models.ErrInvalidEvent, err)
		}
		g.fillRefund(result, &r)
	}

	return result, nil
}

// fillRefund maps a settled Stripe refund onto the event. Refunds that are
// still pending leave the event ignored.
func (g *StripeGateway) fillRefund(result *models.GatewayEvent, r *stripe.Refund) {
	switch r.Status {
	case stripe.RefundStatusSucceeded:
		result.Kind = models.EventRefundSucceeded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		result.Kind = models.EventRefundFailed
		result.FailureReason = string(r.FailureReason)
	default:
		return
	}

	currency := strings.ToUpper(string(r.Currency))
	result.GatewayRefundID = r.ID
	result.Amount = FromMinorUnits(r.Amount, currency)
	result.Currency = currency
	if r.PaymentIntent != nil {
		result.GatewayTransactionID = r.PaymentIntent.ID
	}
	if quoteID, err := quoteFromMetadata(r.Metadata); err == nil {
		result.QuoteID = quoteID
	}
	if r.Created > 0 {
		result.OccurredAt = time.Unix(r.Created, 0).UTC()
	}
}

// CreateRefund creates a refund for a PaymentIntent
func (g *StripeGateway) CreateRefund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	if g.secretKey == "" {
		return nil, NewGatewayError("not_configured", "Stripe secret key is not configured", false)
	}
	stripe.Key = g.secretKey

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.GatewayPaymentID),
		Amount:        stripe.Int64(ToMinorUnits(req.Amount, req.Currency)),
	}
	params.Context = ctx

	if req.Reason != "" {
		params.Reason = stripe.String(g.mapRefundReason(req.Reason))
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = req.Metadata
	}

	r, err := refund.New(params)
	if err != nil {
		return nil, g.handleStripeError(err)
	}

	return &RefundResult{
		GatewayRefundID: r.ID,
		Status:          g.mapRefundStatus(r.Status),
		Amount:          FromMinorUnits(r.Amount, string(r.Currency)),
		Currency:        strings.ToUpper(string(r.Currency)),
		RawResponse: map[string]interface{}{
			"id":     r.ID,
			"status": string(r.Status),
		},
	}, nil
}

func (g *StripeGateway) mapRefundStatus(status stripe.RefundStatus) RefundOutcome {
	switch status {
	case stripe.RefundStatusSucceeded:
		return RefundOutcomeSucceeded
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		return RefundOutcomeFailed
	default:
		return RefundOutcomePending
	}
}

func (g *StripeGateway) mapRefundReason(reason string) string {
	switch strings.ToLower(reason) {
	case "duplicate":
		return string(stripe.RefundReasonDuplicate)
	case "fraudulent", "fraud":
		return string(stripe.RefundReasonFraudulent)
	default:
		return string(stripe.RefundReasonRequestedByCustomer)
	}
}

func (g *StripeGateway) handleStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		retryable := stripeErr.HTTPStatusCode == 429 || stripeErr.HTTPStatusCode >= 500
		return NewGatewayError(string(stripeErr.Code), stripeErr.Msg, retryable)
	}
	return NewGatewayError("stripe_error", err.Error(), true)
}

// quoteFromMetadata reads the quote_id metadata/notes key set at checkout
func quoteFromMetadata(meta map[string]string) (uuid.UUID, error) {
	raw := meta["quote_id"]
	if raw == "" {
		raw = meta["quoteId"]
	}
	return uuid.Parse(raw)
}
