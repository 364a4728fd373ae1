package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Context keys for request information
type contextKey string

const (
	actorContextKey     contextKey = "actor"
	requestIDContextKey contextKey = "requestID"
)

// Gin context keys
const (
	ActorKey     = "actor"
	RequestIDKey = "requestID"
)

// RequestContext extracts the acting user and the request id. The user comes
// from IstioAuth (user_id) or the X-User-ID header set by the admin gateway.
func RequestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := c.GetString("user_id")
		if actor == "" {
			actor = c.GetHeader("X-User-ID")
		}

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		ctx := context.WithValue(c.Request.Context(), actorContextKey, actor)
		ctx = context.WithValue(ctx, requestIDContextKey, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Set(ActorKey, actor)
		c.Set(RequestIDKey, requestID)

		c.Next()
	}
}

// GetActor returns the acting user, or "system" for unauthenticated callers
func GetActor(c *gin.Context) string {
	if actor := c.GetString(ActorKey); actor != "" {
		return actor
	}
	return "system"
}

// ActorFromContext extracts the acting user from a request context
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorContextKey).(string); ok {
		return v
	}
	return ""
}

// RequestIDFromContext extracts the request id from a request context
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDContextKey).(string); ok {
		return v
	}
	return ""
}
