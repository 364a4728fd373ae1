package events

import (
	"context"
	"time"

	"github.com/Tesseract-Nexus/go-shared/events"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Publisher wraps the shared events publisher for ledger events
type Publisher struct {
	publisher *events.Publisher
	tenantID  string
	logger    *logrus.Entry
}

// NewPublisher connects to NATS and makes sure the payments stream exists
func NewPublisher(natsURL, tenantID string, logger *logrus.Logger) (*Publisher, error) {
	config := events.DefaultPublisherConfig(natsURL)
	config.Name = "ledger-service"

	publisher, err := events.NewPublisher(config, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := publisher.EnsureStream(ctx, events.StreamPayments, []string{"payment.>"}); err != nil {
		logger.WithError(err).Warn("Failed to ensure PAYMENT_EVENTS stream")
	}

	return &Publisher{
		publisher: publisher,
		tenantID:  tenantID,
		logger:    logger.WithField("component", "events.publisher"),
	}, nil
}

// PublishQuotePaid publishes payment.succeeded when a quote becomes fully paid
func (p *Publisher) PublishQuotePaid(ctx context.Context, quoteID uuid.UUID, amountPaid decimal.Decimal, currency string) error {
	event := events.NewPaymentEvent(events.PaymentSucceeded, p.tenantID)
	event.PaymentID = quoteID.String()
	event.OrderID = quoteID.String()
	event.Amount = amountPaid.InexactFloat64()
	event.Currency = currency
	event.Provider = "ledger"
	event.Status = "succeeded"

	return p.publish(ctx, event, quoteID)
}

// PublishRefundCompleted publishes payment.refunded for a confirmed refund entry
func (p *Publisher) PublishRefundCompleted(ctx context.Context, quoteID, refundRequestID, entryID uuid.UUID, amount decimal.Decimal, currency, reason string) error {
	event := events.NewPaymentEvent(events.PaymentRefunded, p.tenantID)
	event.PaymentID = entryID.String()
	event.RefundID = refundRequestID.String()
	event.OrderID = quoteID.String()
	event.RefundAmount = amount.InexactFloat64()
	event.Currency = currency
	event.RefundReason = reason
	event.Status = "refunded"

	return p.publish(ctx, event, quoteID)
}

// publish sends the event in the background; callers run after commit and
// must not wait on NATS.
func (p *Publisher) publish(_ context.Context, event *events.PaymentEvent, quoteID uuid.UUID) error {
	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fields := logrus.Fields{
			"eventType": event.EventType,
			"quoteID":   quoteID,
			"tenantID":  p.tenantID,
		}
		if err := p.publisher.PublishPayment(pubCtx, event); err != nil {
			p.logger.WithFields(fields).WithError(err).Error("Failed to publish payment event")
			return
		}
		p.logger.WithFields(fields).Debug("Payment event published")
	}()
	return nil
}

// IsConnected returns true if connected to NATS
func (p *Publisher) IsConnected() bool {
	return p.publisher.IsConnected()
}

// Close closes the publisher connection
func (p *Publisher) Close() {
	if p.publisher != nil {
		p.publisher.Close()
	}
}
