package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxPresenceQuery = 200

// PresenceReader reports online state.
type PresenceReader interface {
	OnlineStatus(ctx context.Context, userIDs []int64) (map[int64]bool, error)
}

type PresenceHandler struct {
	presence PresenceReader
	log      *zap.Logger
}

func NewPresenceHandler(presence PresenceReader, log *zap.Logger) *PresenceHandler {
	return &PresenceHandler{presence: presence, log: log}
}

// OnlineStatus answers GET /presence?user_ids=1,2,3.
func (h *PresenceHandler) OnlineStatus(c *gin.Context) {
	ids, err := parseIDList(c.Query("user_ids"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(ids) == 0 || len(ids) > maxPresenceQuery {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_ids must list 1-200 ids"})
		return
	}

	status, err := h.presence.OnlineStatus(c.Request.Context(), ids)
	if err != nil {
		h.log.Error("presence lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load presence"})
		return
	}

	type presenceResponse struct {
		UserID int64 `json:"user_id"`
		Online bool  `json:"online"`
	}
	resp := make([]presenceResponse, 0, len(ids))
	for _, id := range ids {
		resp = append(resp, presenceResponse{UserID: id, Online: status[id]})
	}
	c.JSON(http.StatusOK, gin.H{"presence": resp})
}
