package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ledger-service/internal/gateway"
	"ledger-service/internal/middleware"
	"ledger-service/internal/repository"
	"ledger-service/internal/services"
)

const testWebhookSecret = "whsec_handler_test"

var testDay = time.Date(2026, time.September, 14, 12, 0, 0, 0, time.UTC)

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.RequestContext())
	return router
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, repository.Migrate(db))
	return db
}

// testServer mounts every handler on a router backed by an in-memory database
type testServer struct {
	router *gin.Engine
	ledger *services.LedgerService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	repo := repository.NewRepository(newTestDB(t))
	rates := services.NewExchangeRateService(repo, nil, time.Minute, log)
	ledger := services.NewLedgerService(repo, services.NewPaymentStatusProjector(services.DefaultPaymentTolerance), rates, nil, nil, log)
	locker := services.NewLocalQuoteLocker()
	refunds := services.NewRefundService(repo, ledger, locker, nil, nil, nil, log)
	recon := services.NewReconciliationService(repo, ledger, locker, services.DefaultMatchPolicy(), nil, log)
	ingestor := services.NewWebhookIngestor(ledger, rates, refunds, nil, log)
	registry := gateway.NewRegistryFromConfig(gateway.Config{GenericWebhookSecret: testWebhookSecret})

	ledgerHandler := NewLedgerHandler(ledger)
	refundHandler := NewRefundHandler(refunds)
	reconHandler := NewReconciliationHandler(recon)
	webhookHandler := NewWebhookHandler(services.NewWebhookService(registry, repo, ingestor, log))

	router := setupTestRouter()
	v1 := router.Group("/api/v1")
	{
		v1.PUT("/quotes/:quoteId", ledgerHandler.SyncQuote)
		v1.GET("/quotes/:quoteId/ledger", ledgerHandler.ListLedger)
		v1.POST("/quotes/:quoteId/ledger", ledgerHandler.AppendEntry)
		v1.GET("/quotes/:quoteId/payment-status", ledgerHandler.GetPaymentStatus)
		v1.POST("/quotes/:quoteId/recompute", ledgerHandler.Recompute)
		v1.GET("/quotes/:quoteId/refundable", refundHandler.GetRefundableBalances)
		v1.GET("/ledger-entries/:entryId", ledgerHandler.GetEntry)
		v1.POST("/ledger-entries/:entryId/transition", ledgerHandler.TransitionEntry)

		v1.POST("/refunds", refundHandler.CreateRefund)
		v1.GET("/refunds/:refundId", refundHandler.GetRefund)
		v1.POST("/refunds/:refundId/approve", refundHandler.ApproveRefund)
		v1.POST("/refunds/:refundId/dispatch", refundHandler.DispatchRefund)
		v1.POST("/refunds/:refundId/cancel", refundHandler.CancelRefund)
		v1.POST("/refund-items/:itemId/confirm", refundHandler.ConfirmRefundItem)
		v1.POST("/refund-items/:itemId/fail", refundHandler.FailRefundItem)

		v1.POST("/reconciliations", reconHandler.StartSession)
		v1.POST("/reconciliations/import", reconHandler.ImportStatement)
		v1.GET("/reconciliations/:sessionId", reconHandler.GetSession)
		v1.GET("/reconciliations/:sessionId/items", reconHandler.ListItems)
		v1.POST("/reconciliations/:sessionId/run", reconHandler.RunSession)
		v1.POST("/reconciliations/:sessionId/complete", reconHandler.CompleteSession)
		v1.POST("/reconciliation-items/:itemId/resolve", reconHandler.ResolveItem)
		v1.POST("/reconciliation-items/:itemId/match", reconHandler.MatchItem)
		v1.POST("/reconciliation-items/:itemId/ignore", reconHandler.IgnoreItem)
	}
	router.POST("/webhooks/:gateway", webhookHandler.HandleWebhook)

	return &testServer{router: router, ledger: ledger}
}

// do sends a JSON request as the given user and returns the recorder
func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User-ID", "ops-user")

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// createQuote registers a quote through the API
func (s *testServer) createQuote(t *testing.T, total, currency string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	w := s.do(t, http.MethodPut, "/api/v1/quotes/"+id.String(), gin.H{
		"finalTotal":    total,
		"finalCurrency": currency,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return id
}

// payQuote records a completed card payment through the API
func (s *testServer) payQuote(t *testing.T, quoteID uuid.UUID, amount, txnID string, at time.Time) uuid.UUID {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/quotes/"+quoteID.String()+"/ledger", gin.H{
		"paymentType":          "customer_payment",
		"amount":               amount,
		"currency":             "USD",
		"paymentMethod":        "card",
		"gatewayCode":          "stripe",
		"gatewayTransactionId": txnID,
		"paymentDate":          at,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		EntryID uuid.UUID `json:"entryId"`
	}
	decodeBody(t, w, &resp)
	return resp.EntryID
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Code string `json:"code"`
	}
	decodeBody(t, w, &resp)
	return resp.Code
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, decimal.RequireFromString(want).Equal(got), "expected %s, got %s", want, got.String())
}
