package gateway

import (
	"crypto/hmac"
	"encoding/json"
	"fmt"

	"ledger-service/internal/models"
)

// GenericGateway accepts events that were already normalised upstream and
// signed with a shared secret.
type GenericGateway struct {
	secret string
}

// NewGenericGateway creates a parser for pre-normalised events
func NewGenericGateway(secret string) *GenericGateway {
	return &GenericGateway{secret: secret}
}

// Code returns the gateway code
func (g *GenericGateway) Code() models.GatewayCode {
	return models.GatewayManual
}

// ParseWebhook verifies the HMAC signature and decodes the event as-is
func (g *GenericGateway) ParseWebhook(payload []byte, signature, eventID string) (*models.GatewayEvent, error) {
	if g.secret == "" {
		return nil, fmt.Errorf("webhook secret not configured")
	}
	if !hmac.Equal([]byte(signature), []byte(ComputeHMAC(payload, g.secret))) {
		return nil, fmt.Errorf("%w: signature mismatch", models.ErrInvalidSignature)
	}

	var event models.GatewayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidEvent, err)
	}
	if event.EventID == "" {
		event.EventID = eventID
	}
	if event.GatewayCode == "" {
		return nil, fmt.Errorf("%w: gatewayCode is required", models.ErrInvalidEvent)
	}
	return &event, nil
}
