package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"ledger-service/internal/gateway"
	"ledger-service/internal/models"
)

// WebhookEventStore persists raw webhook deliveries
type WebhookEventStore interface {
	CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
	UpdateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
}

// WebhookResult describes the outcome of one delivery
type WebhookResult struct {
	EventID string                  `json:"eventId"`
	Kind    models.GatewayEventKind `json:"kind"`
	EntryID *uuid.UUID              `json:"entryId,omitempty"`
	Created bool                    `json:"created"`
}

// WebhookService verifies, records and ingests gateway webhooks
type WebhookService struct {
	registry *gateway.Registry
	store    WebhookEventStore
	ingestor *WebhookIngestor
	logger   *logrus.Entry
}

// NewWebhookService creates a new webhook service
func NewWebhookService(registry *gateway.Registry, store WebhookEventStore, ingestor *WebhookIngestor, logger *logrus.Logger) *WebhookService {
	return &WebhookService{
		registry: registry,
		store:    store,
		ingestor: ingestor,
		logger:   logger.WithField("component", "webhooks"),
	}
}

// ProcessWebhook handles one delivery from a gateway
func (s *WebhookService) ProcessWebhook(ctx context.Context, code models.GatewayCode, body []byte, signature, eventID string) (*WebhookResult, error) {
	parser, err := s.registry.Parser(code)
	if err != nil {
		return nil, err
	}

	event, err := parser.ParseWebhook(body, signature, eventID)
	if err != nil {
		s.logger.WithError(err).WithField("gateway", code).Warn("rejected webhook")
		return nil, err
	}

	record := &models.WebhookEvent{
		GatewayCode: event.GatewayCode,
		EventID:     event.EventID,
		EventType:   event.EventType,
		Payload:     rawPayload(body),
	}
	if err := s.store.CreateWebhookEvent(ctx, record); err != nil {
		// the ledger is the source of truth; a lost audit row must not block ingestion
		s.logger.WithError(err).WithField("event_id", event.EventID).Error("failed to record webhook event")
		record = nil
	}

	entryID, created, ingestErr := s.ingestor.Ingest(ctx, event)

	result := &WebhookResult{
		EventID: event.EventID,
		Kind:    event.Kind,
		Created: created,
	}
	if entryID != uuid.Nil {
		result.EntryID = &entryID
	}

	if record != nil {
		if ingestErr != nil {
			record.ProcessingError = ingestErr.Error()
		} else {
			now := time.Now().UTC()
			record.Processed = true
			record.ProcessedAt = &now
			record.Duplicate = entryID != uuid.Nil && !created
			record.LedgerEntryID = result.EntryID
		}
		// the request context may already be done when ingestion timed out
		updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.store.UpdateWebhookEvent(updateCtx, record); err != nil {
			s.logger.WithError(err).WithField("event_id", event.EventID).Error("failed to update webhook event")
		}
		cancel()
	}

	if ingestErr != nil {
		return result, ingestErr
	}
	return result, nil
}

// rawPayload keeps the body as JSON when it is JSON and wraps it otherwise
func rawPayload(body []byte) datatypes.JSON {
	if json.Valid(body) {
		return datatypes.JSON(body)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": string(body)})
	return datatypes.JSON(wrapped)
}
