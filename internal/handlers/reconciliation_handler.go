package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ledger-service/internal/middleware"
	"ledger-service/internal/models"
	"ledger-service/internal/services"
)

// maxStatementUpload caps multipart statement uploads
const maxStatementUpload = 10 << 20

// ReconciliationHandler handles reconciliation sessions
type ReconciliationHandler struct {
	recon *services.ReconciliationService
}

// NewReconciliationHandler creates a new reconciliation handler
func NewReconciliationHandler(recon *services.ReconciliationService) *ReconciliationHandler {
	return &ReconciliationHandler{recon: recon}
}

// StartSession handles POST /api/v1/reconciliations
func (h *ReconciliationHandler) StartSession(c *gin.Context) {
	var req models.StartReconciliationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	h.start(c, services.StartSessionInput{
		PaymentMethod:     req.PaymentMethod,
		GatewayCode:       req.GatewayCode,
		PeriodStart:       req.PeriodStart,
		PeriodEnd:         req.PeriodEnd,
		OpeningBalance:    req.OpeningBalance,
		PreviousSessionID: req.PreviousSessionID,
		Lines:             req.Lines,
		CreatedBy:         middleware.GetActor(c),
	}, req.Run)
}

// ImportStatement handles POST /api/v1/reconciliations/import. The statement
// arrives as a CSV or XLSX file in the "file" form field.
func (h *ReconciliationHandler) ImportStatement(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxStatementUpload)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		bindError(c, err)
		return
	}
	format, err := services.FormatFromFilename(fileHeader.Filename)
	if err != nil {
		respondError(c, err)
		return
	}

	in := services.StartSessionInput{
		PaymentMethod: c.PostForm("paymentMethod"),
		GatewayCode:   models.GatewayCode(c.PostForm("gatewayCode")),
		CreatedBy:     middleware.GetActor(c),
	}
	if in.PeriodStart, err = parseFormDate(c.PostForm("periodStart"), false); err != nil {
		bindError(c, err)
		return
	}
	if in.PeriodEnd, err = parseFormDate(c.PostForm("periodEnd"), true); err != nil {
		bindError(c, err)
		return
	}
	if raw := c.PostForm("openingBalance"); raw != "" {
		if in.OpeningBalance, err = decimal.NewFromString(raw); err != nil {
			bindError(c, err)
			return
		}
	}
	if raw := c.PostForm("previousSessionId"); raw != "" {
		prev, err := uuid.Parse(raw)
		if err != nil {
			bindError(c, err)
			return
		}
		in.PreviousSessionID = &prev
	}
	run, _ := strconv.ParseBool(c.DefaultPostForm("run", "false"))

	file, err := fileHeader.Open()
	if err != nil {
		bindError(c, err)
		return
	}
	defer file.Close()

	if in.Lines, err = services.ParseStatement(format, file); err != nil {
		respondError(c, err)
		return
	}

	h.start(c, in, run)
}

func (h *ReconciliationHandler) start(c *gin.Context, in services.StartSessionInput, run bool) {
	session, err := h.recon.StartSession(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}

	if run {
		if session, err = h.recon.Run(c.Request.Context(), session.ID); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, session)
}

// GetSession handles GET /api/v1/reconciliations/:sessionId
func (h *ReconciliationHandler) GetSession(c *gin.Context) {
	id, ok := parseUUIDParam(c, "sessionId")
	if !ok {
		return
	}

	summary, err := h.recon.Summary(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListItems handles GET /api/v1/reconciliations/:sessionId/items
func (h *ReconciliationHandler) ListItems(c *gin.Context) {
	id, ok := parseUUIDParam(c, "sessionId")
	if !ok {
		return
	}

	items, err := h.recon.ListItems(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	status := models.ItemStatus(c.Query("status"))
	if status != "" {
		filtered := make([]models.ReconciliationItem, 0, len(items))
		for _, item := range items {
			if item.Status == status {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}

	c.JSON(http.StatusOK, gin.H{"sessionId": id, "items": items, "total": len(items)})
}

// RunSession handles POST /api/v1/reconciliations/:sessionId/run
func (h *ReconciliationHandler) RunSession(c *gin.Context) {
	id, ok := parseUUIDParam(c, "sessionId")
	if !ok {
		return
	}

	session, err := h.recon.Run(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// CompleteSession handles POST /api/v1/reconciliations/:sessionId/complete
func (h *ReconciliationHandler) CompleteSession(c *gin.Context) {
	id, ok := parseUUIDParam(c, "sessionId")
	if !ok {
		return
	}

	var req models.CompleteSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}

	session, err := h.recon.Complete(c.Request.Context(), id, req.Override, middleware.GetActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// ResolveItem handles POST /api/v1/reconciliation-items/:itemId/resolve
func (h *ReconciliationHandler) ResolveItem(c *gin.Context) {
	itemID, ok := parseUUIDParam(c, "itemId")
	if !ok {
		return
	}

	var req models.ResolveItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	item, err := h.recon.ResolveItem(c.Request.Context(), itemID, services.ResolveInput{
		Action:  req.Action,
		Notes:   req.Notes,
		Actor:   middleware.GetActor(c),
		QuoteID: req.QuoteID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// MatchItem handles POST /api/v1/reconciliation-items/:itemId/match
func (h *ReconciliationHandler) MatchItem(c *gin.Context) {
	itemID, ok := parseUUIDParam(c, "itemId")
	if !ok {
		return
	}

	var req models.ManualMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	item, err := h.recon.ManualMatch(c.Request.Context(), itemID, req.LedgerEntryID, req.Notes, middleware.GetActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// IgnoreItem handles POST /api/v1/reconciliation-items/:itemId/ignore
func (h *ReconciliationHandler) IgnoreItem(c *gin.Context) {
	itemID, ok := parseUUIDParam(c, "itemId")
	if !ok {
		return
	}

	var req models.IgnoreItemRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}

	item, err := h.recon.IgnoreItem(c.Request.Context(), itemID, req.Notes, middleware.GetActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// parseFormDate accepts RFC3339 or a plain date. A plain period end covers
// the whole day.
func parseFormDate(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t.UTC(), nil
}
