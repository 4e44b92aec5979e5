package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RegisterDebugRoutes wires development-only endpoints.
func RegisterDebugRoutes(router gin.IRoutes, channels *ChannelHandler, enabled bool) {
	if !enabled {
		return
	}
	router.GET("/debug/channels/:id/membership", channels.InspectMembership)
}

type membershipReport struct {
	ChannelID int64   `json:"channel_id"`
	Kind      string  `json:"kind"`
	Members   []int64 `json:"members"`
	Admins    []int64 `json:"admins"`
	Orphaned  bool    `json:"orphaned"`
}

// InspectMembership reports the member and admin sets of a channel the
// caller belongs to and audits the lookup. Orphaned flags a non-direct
// channel whose members have no admin left.
func (h *ChannelHandler) InspectMembership(c *gin.Context) {
	channelID, ok := paramID(c, "id")
	if !ok {
		return
	}
	ch, err := h.channels.FindOne(c.Request.Context(), callerID(c), channelID)
	if err != nil {
		h.fail(c, err, "could not inspect channel membership")
		return
	}

	report := membershipReport{
		ChannelID: ch.ID,
		Kind:      string(ch.Kind),
		Members:   ch.Members,
		Admins:    ch.Admins,
		Orphaned:  !ch.IsDirect() && len(ch.Members) > 0 && len(ch.Admins) == 0,
	}
	if report.Orphaned {
		h.log.Warn("channel without admin", zap.Int64("channel_id", ch.ID), zap.Int("members", len(ch.Members)))
	}
	emitAudit(c, h.audit, "channel.membership.inspect", ch.ID, ch.Admins, "membership inspected")
	c.JSON(http.StatusOK, report)
}
