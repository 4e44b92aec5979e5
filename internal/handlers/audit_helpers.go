package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"teamchat/internal/middleware"
	"teamchat/internal/telemetry"
)

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(middleware.RequestIDKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *string {
	if userID := c.GetInt64(middleware.UserIDKey); userID != 0 {
		value := strconv.FormatInt(userID, 10)
		return &value
	}
	return nil
}

// emitAudit records an administrative action taken by the caller.
func emitAudit(c *gin.Context, emitter *telemetry.AuditEmitter, action string, channelID int64, targets []int64, text string) {
	emitter.Emit(c.Request.Context(), telemetry.AuditEntry{
		Action:    action,
		Text:      text,
		RequestID: requestIDFromContext(c),
		UserID:    userIDFromContext(c),
		ChannelID: channelID,
		Targets:   targets,
	})
}
