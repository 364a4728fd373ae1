package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AuditLog represents an audit log entry
type AuditLog struct {
	Timestamp  time.Time         `json:"timestamp"`
	RequestID  string            `json:"requestId"`
	Actor      string            `json:"actor"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	StatusCode int               `json:"statusCode"`
	Duration   time.Duration     `json:"duration"`
	ClientIP   string            `json:"clientIp"`
	Action     string            `json:"action,omitempty"`
	Resource   string            `json:"resource,omitempty"`
	ResourceID string            `json:"resourceId,omitempty"`
	Success    bool              `json:"success"`
	ErrorMsg   string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// AuditLogger defines the interface for audit logging
type AuditLogger interface {
	Log(entry *AuditLog)
}

// LogrusAuditLogger writes audit entries through logrus
type LogrusAuditLogger struct {
	logger *logrus.Entry
}

// NewLogrusAuditLogger creates an audit logger
func NewLogrusAuditLogger(logger *logrus.Logger) *LogrusAuditLogger {
	return &LogrusAuditLogger{logger: logger.WithField("component", "audit")}
}

// Log writes one entry
func (l *LogrusAuditLogger) Log(entry *AuditLog) {
	fields := logrus.Fields{
		"request_id":  entry.RequestID,
		"actor":       entry.Actor,
		"method":      entry.Method,
		"path":        entry.Path,
		"status":      entry.StatusCode,
		"duration_ms": entry.Duration.Milliseconds(),
		"client_ip":   entry.ClientIP,
		"action":      entry.Action,
		"resource":    entry.Resource,
		"resource_id": entry.ResourceID,
	}
	for k, v := range entry.Metadata {
		fields["meta_"+k] = v
	}
	if entry.ErrorMsg != "" {
		fields["error"] = entry.ErrorMsg
	}
	l.logger.WithFields(fields).Info("audit")
}

// AuditMiddleware logs every mutating request
func AuditMiddleware(logger AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == "GET" || c.Request.Method == "HEAD" || c.Request.Method == "OPTIONS" {
			c.Next()
			return
		}
		start := time.Now()

		var requestBody []byte
		if strings.Contains(c.GetHeader("Content-Type"), "application/json") {
			requestBody, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewBuffer(requestBody))
		}

		c.Next()

		entry := &AuditLog{
			Timestamp:  start,
			RequestID:  c.GetString(RequestIDKey),
			Actor:      GetActor(c),
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			StatusCode: c.Writer.Status(),
			Duration:   time.Since(start),
			ClientIP:   c.ClientIP(),
			Success:    c.Writer.Status() < 400,
		}
		entry.Action, entry.Resource, entry.ResourceID = ledgerAction(c)

		if entry.StatusCode >= 400 && len(c.Errors) > 0 {
			entry.ErrorMsg = c.Errors.String()
		}
		entry.Metadata = extractLedgerMetadata(requestBody)

		logger.Log(entry)
	}
}

// ledgerAction maps the matched route to an audit action
func ledgerAction(c *gin.Context) (action, resource, resourceID string) {
	switch c.FullPath() {
	case "/api/v1/quotes/:quoteId":
		return "sync_quote", "quote", c.Param("quoteId")
	case "/api/v1/quotes/:quoteId/ledger":
		return "append_ledger_entry", "quote", c.Param("quoteId")
	case "/api/v1/quotes/:quoteId/recompute":
		return "recompute_payment_status", "quote", c.Param("quoteId")
	case "/api/v1/ledger-entries/:entryId/transition":
		return "transition_ledger_entry", "ledger_entry", c.Param("entryId")
	case "/api/v1/refunds":
		return "create_refund", "refund", ""
	case "/api/v1/refunds/:refundId/approve":
		return "approve_refund", "refund", c.Param("refundId")
	case "/api/v1/refunds/:refundId/dispatch":
		return "dispatch_refund", "refund", c.Param("refundId")
	case "/api/v1/refunds/:refundId/cancel":
		return "cancel_refund", "refund", c.Param("refundId")
	case "/api/v1/refund-items/:itemId/confirm":
		return "confirm_refund_item", "refund_item", c.Param("itemId")
	case "/api/v1/refund-items/:itemId/fail":
		return "fail_refund_item", "refund_item", c.Param("itemId")
	case "/api/v1/reconciliations", "/api/v1/reconciliations/import":
		return "start_reconciliation", "reconciliation", ""
	case "/api/v1/reconciliations/:sessionId/run":
		return "run_reconciliation", "reconciliation", c.Param("sessionId")
	case "/api/v1/reconciliations/:sessionId/complete":
		return "complete_reconciliation", "reconciliation", c.Param("sessionId")
	case "/api/v1/reconciliation-items/:itemId/resolve":
		return "resolve_reconciliation_item", "reconciliation_item", c.Param("itemId")
	case "/api/v1/reconciliation-items/:itemId/match":
		return "match_reconciliation_item", "reconciliation_item", c.Param("itemId")
	case "/api/v1/reconciliation-items/:itemId/ignore":
		return "ignore_reconciliation_item", "reconciliation_item", c.Param("itemId")
	case "/webhooks/:gateway":
		return "webhook_received", "webhook", c.Param("gateway")
	default:
		return c.Request.Method, c.Request.URL.Path, ""
	}
}

// auditedFields are copied from JSON bodies into the audit metadata
var auditedFields = []string{"amount", "approvedAmount", "currency", "paymentType", "action", "reason", "override", "ledgerEntryId"}

// extractLedgerMetadata extracts relevant metadata from a JSON body
func extractLedgerMetadata(body []byte) map[string]string {
	if len(body) == 0 {
		return nil
	}
	var fields map[string]interface{}
	if json.Unmarshal(body, &fields) != nil {
		return nil
	}
	fields = MaskSensitiveData(fields)

	metadata := make(map[string]string)
	for _, key := range auditedFields {
		v, ok := fields[key]
		if !ok || v == nil {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		metadata[key] = strings.Trim(string(raw), `"`)
	}
	return metadata
}

// SensitiveFields are fields that should be masked in logs
var SensitiveFields = []string{
	"api_key",
	"api_secret",
	"secret_key",
	"webhook_secret",
	"password",
	"card_number",
	"cvv",
}

// MaskSensitiveData masks sensitive fields in a map
func MaskSensitiveData(data map[string]interface{}) map[string]interface{} {
	masked := make(map[string]interface{})
	for k, v := range data {
		isSensitive := false
		for _, sf := range SensitiveFields {
			if strings.Contains(strings.ToLower(k), sf) {
				isSensitive = true
				break
			}
		}
		if isSensitive {
			masked[k] = "***MASKED***"
		} else if nestedMap, ok := v.(map[string]interface{}); ok {
			masked[k] = MaskSensitiveData(nestedMap)
		} else {
			masked[k] = v
		}
	}
	return masked
}
