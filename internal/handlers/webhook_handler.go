package handlers

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ledger-service/internal/models"
	"ledger-service/internal/services"
)

// webhookTimeout bounds ingestion below the gateways' own delivery timeouts
const webhookTimeout = 15 * time.Second

// webhookRoute describes how one gateway delivers notifications
type webhookRoute struct {
	code            models.GatewayCode
	signatureHeader string
	eventIDHeader   string
}

var webhookRoutes = map[string]webhookRoute{
	"stripe":   {code: models.GatewayStripe, signatureHeader: "Stripe-Signature"},
	"razorpay": {code: models.GatewayRazorpay, signatureHeader: "X-Razorpay-Signature", eventIDHeader: "X-Razorpay-Event-Id"},
	"events":   {code: models.GatewayManual, signatureHeader: "X-Ledger-Signature", eventIDHeader: "X-Ledger-Event-Id"},
}

// WebhookHandler handles gateway webhook deliveries
type WebhookHandler struct {
	service *services.WebhookService
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(service *services.WebhookService) *WebhookHandler {
	return &WebhookHandler{
		service: service,
	}
}

// HandleWebhook handles POST /webhooks/:gateway
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	route, ok := webhookRoutes[c.Param("gateway")]
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error:   "Unknown gateway",
			Message: "no webhook endpoint for " + c.Param("gateway"),
			Code:    "UNSUPPORTED_GATEWAY",
		})
		return
	}

	signature := c.GetHeader(route.signatureHeader)
	if signature == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Missing signature",
			Message: route.signatureHeader + " header is required",
			Code:    "MISSING_SIGNATURE",
		})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Failed to read request body",
			Message: err.Error(),
		})
		return
	}

	var eventID string
	if route.eventIDHeader != "" {
		eventID = c.GetHeader(route.eventIDHeader)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), webhookTimeout)
	defer cancel()

	result, err := h.service.ProcessWebhook(ctx, route.code, body, signature, eventID)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, result)
}
