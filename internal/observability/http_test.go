package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestClientMetaFromContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "10.0.0.5:4411"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("X-Device-Id", " ios-42 ")
	req.Header.Set("X-Request-ID", "req-1")
	req.Header.Set("User-Agent", "teamchat-ios/3.1")
	c.Request = req

	meta := ClientMetaFromContext(c)

	assert.Equal(t, ClientMeta{
		DeviceID:  "ios-42",
		IP:        "203.0.113.7",
		RequestID: "req-1",
		UserAgent: "teamchat-ios/3.1",
	}, meta)
}

func TestClientMetaWithoutProxyHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	req := httptest.NewRequest("GET", "/ws", nil)
	req.RemoteAddr = "198.51.100.3:5000"
	c.Request = req

	meta := ClientMetaFromContext(c)

	assert.Equal(t, "198.51.100.3", meta.IP)
	assert.Empty(t, meta.DeviceID)
}
