package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ledger-service/internal/models"
)

// errorMapping ties a domain error to its HTTP status and error code
type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{models.ErrInvalidSignature, http.StatusUnauthorized, "INVALID_SIGNATURE"},
	{models.ErrInvalidAmount, http.StatusBadRequest, "INVALID_AMOUNT"},
	{models.ErrInvalidCurrency, http.StatusBadRequest, "INVALID_CURRENCY"},
	{models.ErrInvalidPaymentType, http.StatusBadRequest, "INVALID_PAYMENT_TYPE"},
	{models.ErrInvalidEntryStatus, http.StatusBadRequest, "INVALID_ENTRY_STATUS"},
	{models.ErrInvalidEvent, http.StatusBadRequest, "INVALID_EVENT"},
	{models.ErrInvalidStatement, http.StatusBadRequest, "INVALID_STATEMENT"},
	{models.ErrInvalidResolution, http.StatusBadRequest, "INVALID_RESOLUTION"},
	{models.ErrAllocationMismatch, http.StatusBadRequest, "ALLOCATION_MISMATCH"},
	{models.ErrUnsupportedGateway, http.StatusNotFound, "UNSUPPORTED_GATEWAY"},
	{models.ErrQuoteNotFound, http.StatusNotFound, "QUOTE_NOT_FOUND"},
	{models.ErrEntryNotFound, http.StatusNotFound, "ENTRY_NOT_FOUND"},
	{models.ErrRefundNotFound, http.StatusNotFound, "REFUND_NOT_FOUND"},
	{models.ErrRefundItemNotFound, http.StatusNotFound, "REFUND_ITEM_NOT_FOUND"},
	{models.ErrSessionNotFound, http.StatusNotFound, "SESSION_NOT_FOUND"},
	{models.ErrItemNotFound, http.StatusNotFound, "ITEM_NOT_FOUND"},
	{models.ErrDuplicateEntry, http.StatusConflict, "DUPLICATE_ENTRY"},
	{models.ErrImmutableEntry, http.StatusConflict, "IMMUTABLE_ENTRY"},
	{models.ErrInvalidRefundState, http.StatusConflict, "INVALID_REFUND_STATE"},
	{models.ErrSessionClosed, http.StatusConflict, "SESSION_CLOSED"},
	{models.ErrMatchingIncomplete, http.StatusConflict, "MATCHING_INCOMPLETE"},
	{models.ErrLedgerEntryAlreadyMatched, http.StatusConflict, "ENTRY_ALREADY_MATCHED"},
	// the refund may not be recorded yet; a conflict makes the gateway redeliver
	{models.ErrUnmatchedRefund, http.StatusConflict, "UNMATCHED_REFUND"},
	{models.ErrExchangeRateUnavailable, http.StatusUnprocessableEntity, "EXCHANGE_RATE_UNAVAILABLE"},
	{models.ErrLockTimeout, http.StatusServiceUnavailable, "LOCK_TIMEOUT"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "TIMEOUT"},
}

// respondError writes the error response for a service error
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	var insufficient *models.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		c.JSON(http.StatusUnprocessableEntity, models.InsufficientBalanceResponse{
			Error:             "Insufficient refundable balance",
			Message:           err.Error(),
			Code:              "INSUFFICIENT_REFUNDABLE_BALANCE",
			RequestedAmount:   insufficient.Requested,
			RefundableBalance: insufficient.Refundable,
			Currency:          insufficient.Currency,
		})
		return
	}

	var unresolved *models.UnresolvedDiscrepanciesError
	if errors.As(err, &unresolved) {
		c.JSON(http.StatusConflict, gin.H{
			"error":      "Unresolved discrepancies",
			"message":    err.Error(),
			"code":       "UNRESOLVED_DISCREPANCIES",
			"unresolved": unresolved.Count,
		})
		return
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			c.JSON(m.status, models.ErrorResponse{
				Error:   http.StatusText(m.status),
				Message: err.Error(),
				Code:    m.code,
			})
			return
		}
	}

	c.JSON(http.StatusInternalServerError, models.ErrorResponse{
		Error:   "Internal server error",
		Message: err.Error(),
		Code:    "INTERNAL_ERROR",
	})
}

// bindError writes a 400 for an invalid request body
func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, models.ErrorResponse{
		Error:   "Invalid request",
		Message: err.Error(),
		Code:    "INVALID_REQUEST",
	})
}

// parseUUIDParam reads a UUID path parameter, writing a 400 when it is malformed
func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "Invalid ID",
			Message: name + " must be a valid UUID",
			Code:    "INVALID_ID",
		})
		return uuid.Nil, false
	}
	return id, true
}
