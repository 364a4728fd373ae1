package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ledger-service/internal/middleware"
	"ledger-service/internal/models"
	"ledger-service/internal/services"
)

// RefundHandler handles refund requests
type RefundHandler struct {
	refunds *services.RefundService
}

// NewRefundHandler creates a new refund handler
func NewRefundHandler(refunds *services.RefundService) *RefundHandler {
	return &RefundHandler{refunds: refunds}
}

// CreateRefund handles POST /api/v1/refunds
func (h *RefundHandler) CreateRefund(c *gin.Context) {
	var req models.CreateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	refund, err := h.refunds.Create(c.Request.Context(), services.CreateRefundInput{
		QuoteID:     req.QuoteID,
		RefundType:  req.RefundType,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Reason:      req.Reason,
		RequestedBy: middleware.GetActor(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, refund)
}

// GetRefund handles GET /api/v1/refunds/:refundId
func (h *RefundHandler) GetRefund(c *gin.Context) {
	id, ok := parseUUIDParam(c, "refundId")
	if !ok {
		return
	}

	refund, err := h.refunds.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

// ApproveRefund handles POST /api/v1/refunds/:refundId/approve.
// Approval allocates the refund across the original payments.
func (h *RefundHandler) ApproveRefund(c *gin.Context) {
	id, ok := parseUUIDParam(c, "refundId")
	if !ok {
		return
	}

	var req models.ApproveRefundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}

	refund, err := h.refunds.Approve(c.Request.Context(), id, req.ApprovedAmount, middleware.GetActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

// DispatchRefund handles POST /api/v1/refunds/:refundId/dispatch
func (h *RefundHandler) DispatchRefund(c *gin.Context) {
	id, ok := parseUUIDParam(c, "refundId")
	if !ok {
		return
	}

	refund, err := h.refunds.Dispatch(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

// CancelRefund handles POST /api/v1/refunds/:refundId/cancel
func (h *RefundHandler) CancelRefund(c *gin.Context) {
	id, ok := parseUUIDParam(c, "refundId")
	if !ok {
		return
	}

	var req models.CancelRefundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}

	refund, err := h.refunds.Cancel(c.Request.Context(), id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, refund)
}

// ConfirmRefundItem handles POST /api/v1/refund-items/:itemId/confirm
func (h *RefundHandler) ConfirmRefundItem(c *gin.Context) {
	itemID, ok := parseUUIDParam(c, "itemId")
	if !ok {
		return
	}

	var req models.ConfirmRefundItemRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}

	entryID, created, err := h.refunds.ConfirmItem(c.Request.Context(), itemID, req.GatewayRefundID)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, models.LedgerEntryResponse{EntryID: entryID, Created: created})
}

// FailRefundItem handles POST /api/v1/refund-items/:itemId/fail
func (h *RefundHandler) FailRefundItem(c *gin.Context) {
	itemID, ok := parseUUIDParam(c, "itemId")
	if !ok {
		return
	}

	var req models.FailRefundItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	if err := h.refunds.FailItem(c.Request.Context(), itemID, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"itemId": itemID, "status": models.RefundItemFailed})
}

// GetRefundableBalances handles GET /api/v1/quotes/:quoteId/refundable
func (h *RefundHandler) GetRefundableBalances(c *gin.Context) {
	quoteID, ok := parseUUIDParam(c, "quoteId")
	if !ok {
		return
	}

	balances, err := h.refunds.RefundableBalances(c.Request.Context(), quoteID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quoteId": quoteID, "balances": balances})
}
