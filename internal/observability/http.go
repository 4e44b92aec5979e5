package observability

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// ClientMeta identifies where a request came from. It is attached to gateway
// connection logs and ws_events payloads.
type ClientMeta struct {
	DeviceID  string
	IP        string
	RequestID string
	UserAgent string
}

// ClientMetaFromContext reads ClientMeta from a gin request. The IP follows
// the engine's trusted-proxy settings.
func ClientMetaFromContext(c *gin.Context) ClientMeta {
	return ClientMeta{
		DeviceID:  strings.TrimSpace(c.GetHeader("X-Device-Id")),
		IP:        c.ClientIP(),
		RequestID: c.GetHeader("X-Request-ID"),
		UserAgent: c.Request.UserAgent(),
	}
}
