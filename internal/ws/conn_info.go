package ws

import "time"

// ConnInfo describes a gateway connection for logs and ws_events.
type ConnInfo struct {
	ConnID      string
	UserID      int64
	DeviceID    string
	IP          string
	RequestID   string
	UserAgent   string
	TraceID     string
	ConnectedAt time.Time
}
