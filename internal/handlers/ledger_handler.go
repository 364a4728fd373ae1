package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ledger-service/internal/middleware"
	"ledger-service/internal/models"
	"ledger-service/internal/services"
)

// LedgerHandler handles ledger and payment status requests
type LedgerHandler struct {
	ledger *services.LedgerService
}

// NewLedgerHandler creates a new ledger handler
func NewLedgerHandler(ledger *services.LedgerService) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

// SyncQuote handles PUT /api/v1/quotes/:quoteId
func (h *LedgerHandler) SyncQuote(c *gin.Context) {
	quoteID, ok := parseUUIDParam(c, "quoteId")
	if !ok {
		return
	}

	var req models.SyncQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	projection, err := h.ledger.SyncQuote(c.Request.Context(), quoteID, req.FinalTotal, req.FinalCurrency)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.PaymentStatusResponse{
		QuoteID:       projection.QuoteID,
		FinalTotal:    projection.FinalTotal,
		Currency:      projection.Currency,
		AmountPaid:    projection.AmountPaid,
		PaymentStatus: projection.Status,
	})
}

// ListLedger handles GET /api/v1/quotes/:quoteId/ledger
func (h *LedgerHandler) ListLedger(c *gin.Context) {
	quoteID, ok := parseUUIDParam(c, "quoteId")
	if !ok {
		return
	}

	entries, err := h.ledger.ListByQuote(c.Request.Context(), quoteID)
	if err != nil {
		respondError(c, err)
		return
	}
	sum, err := h.ledger.SumSigned(c.Request.Context(), quoteID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.LedgerListResponse{
		QuoteID:    quoteID,
		Entries:    entries,
		SignedSum:  sum,
		EntryCount: len(entries),
	})
}

// GetPaymentStatus handles GET /api/v1/quotes/:quoteId/payment-status
func (h *LedgerHandler) GetPaymentStatus(c *gin.Context) {
	quoteID, ok := parseUUIDParam(c, "quoteId")
	if !ok {
		return
	}

	quote, err := h.ledger.PaymentStatus(c.Request.Context(), quoteID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.PaymentStatusResponse{
		QuoteID:       quote.ID,
		FinalTotal:    quote.FinalTotal,
		Currency:      quote.FinalCurrency,
		AmountPaid:    quote.AmountPaid,
		PaymentStatus: quote.PaymentStatus,
	})
}

// AppendEntry handles POST /api/v1/quotes/:quoteId/ledger
func (h *LedgerHandler) AppendEntry(c *gin.Context) {
	quoteID, ok := parseUUIDParam(c, "quoteId")
	if !ok {
		return
	}

	var req models.CreateLedgerEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	entry := &models.PaymentLedgerEntry{
		QuoteID:         quoteID,
		Type:            req.PaymentType,
		Amount:          req.Amount,
		Currency:        req.Currency,
		PaymentMethod:   req.PaymentMethod,
		GatewayCode:     req.GatewayCode,
		ReferenceNumber: req.ReferenceNumber,
		Status:          req.Status,
		CreatedBy:       middleware.GetActor(c),
	}
	if req.GatewayTransactionID != "" {
		txnID := req.GatewayTransactionID
		entry.GatewayTransactionID = &txnID
	}
	if req.PaymentDate != nil {
		entry.PaymentDate = *req.PaymentDate
	} else {
		entry.PaymentDate = time.Now().UTC()
	}

	id, err := h.ledger.Append(c.Request.Context(), entry)
	if errors.Is(err, models.ErrDuplicateEntry) {
		c.JSON(http.StatusOK, models.LedgerEntryResponse{EntryID: id, Created: false})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.LedgerEntryResponse{EntryID: id, Created: true})
}

// Recompute handles POST /api/v1/quotes/:quoteId/recompute
func (h *LedgerHandler) Recompute(c *gin.Context) {
	quoteID, ok := parseUUIDParam(c, "quoteId")
	if !ok {
		return
	}

	projection, err := h.ledger.Recompute(c.Request.Context(), quoteID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"quoteId":        projection.QuoteID,
		"amountPaid":     projection.AmountPaid,
		"paymentStatus":  projection.Status,
		"previousStatus": projection.PreviousStatus,
		"changed":        projection.Changed(),
	})
}

// GetEntry handles GET /api/v1/ledger-entries/:entryId
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	entryID, ok := parseUUIDParam(c, "entryId")
	if !ok {
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), entryID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// TransitionEntry handles POST /api/v1/ledger-entries/:entryId/transition
func (h *LedgerHandler) TransitionEntry(c *gin.Context) {
	entryID, ok := parseUUIDParam(c, "entryId")
	if !ok {
		return
	}

	var req models.TransitionEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	if err := h.ledger.TransitionPending(c.Request.Context(), entryID, req.Status); err != nil {
		respondError(c, err)
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), entryID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}
