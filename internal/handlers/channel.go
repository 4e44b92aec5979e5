package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"teamchat/internal/models"
	"teamchat/internal/services"
	"teamchat/internal/telemetry"
)

// ChannelService is the channel directory used by the HTTP surface.
type ChannelService interface {
	Create(ctx context.Context, callerID int64, in services.CreateChannelInput) (models.Channel, error)
	FindAccessible(ctx context.Context, callerID int64, filter models.ChannelFilter) ([]models.Channel, error)
	FindOne(ctx context.Context, callerID, channelID int64) (models.Channel, error)
	Update(ctx context.Context, callerID, channelID int64, patch models.ChannelPatch) (models.Channel, error)
	AddMembers(ctx context.Context, callerID, channelID int64, userIDs []int64) (models.Channel, error)
	RemoveMembers(ctx context.Context, callerID, channelID int64, userIDs []int64) (models.Channel, error)
	GrantAdmin(ctx context.Context, callerID, channelID int64, userIDs []int64) (models.Channel, error)
	RevokeAdmin(ctx context.Context, callerID, channelID int64, userIDs []int64) (models.Channel, error)
	Leave(ctx context.Context, callerID, channelID int64) error
	Delete(ctx context.Context, callerID, channelID int64) error
	GetOrCreateDirect(ctx context.Context, callerID, otherID int64) (models.Channel, error)
}

// Broadcaster fans events out to the gateway connections of a channel.
type Broadcaster interface {
	Broadcast(channelID int64, event models.ChatEvent)
}

// Subscriptions lets membership changes reach live gateway connections.
type Subscriptions interface {
	UnsubscribeUsers(channelID int64, userIDs ...int64)
	DropChannel(channelID int64)
}

// ChannelHandler manages channel endpoints.
type ChannelHandler struct {
	channels ChannelService
	subs     Subscriptions
	audit    *telemetry.AuditEmitter
	log      *zap.Logger
}

// NewChannelHandler builds a ChannelHandler.
func NewChannelHandler(channels ChannelService, audit *telemetry.AuditEmitter, log *zap.Logger) *ChannelHandler {
	return &ChannelHandler{channels: channels, audit: audit, log: log}
}

// WithSubscriptions makes removals and deletions unsubscribe live connections.
func (h *ChannelHandler) WithSubscriptions(subs Subscriptions) *ChannelHandler {
	h.subs = subs
	return h
}

type membersRequest struct {
	UserIDs []int64 `json:"user_ids" binding:"required"`
}

// CreateChannel creates a public or private channel owned by the caller.
func (h *ChannelHandler) CreateChannel(c *gin.Context) {
	var req services.CreateChannelInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ch, err := h.channels.Create(c.Request.Context(), callerID(c), req)
	if err != nil {
		h.fail(c, err, "could not create channel")
		return
	}
	c.JSON(http.StatusCreated, ch)
}

// ListChannels returns the caller's channels, most recently active first.
func (h *ChannelHandler) ListChannels(c *gin.Context) {
	var filter models.ChannelFilter
	if raw := c.Query("kind"); raw != "" {
		kind := models.ChannelKind(raw)
		if !kind.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kind"})
			return
		}
		filter.Kind = &kind
	}
	if raw := c.Query("archived"); raw != "" {
		archived, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid archived"})
			return
		}
		filter.Archived = &archived
	}
	filter.NameContains = c.Query("q")

	channels, err := h.channels.FindAccessible(c.Request.Context(), callerID(c), filter)
	if err != nil {
		h.fail(c, err, "failed to load channels")
		return
	}
	if channels == nil {
		channels = []models.Channel{}
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels})
}

// GetChannel returns one channel the caller belongs to.
func (h *ChannelHandler) GetChannel(c *gin.Context) {
	channelID, ok := paramID(c, "id")
	if !ok {
		return
	}
	ch, err := h.channels.FindOne(c.Request.Context(), callerID(c), channelID)
	if err != nil {
		h.fail(c, err, "failed to load channel")
		return
	}
	c.JSON(http.StatusOK, ch)
}

// UpdateChannel renames, describes or archives a channel.
func (h *ChannelHandler) UpdateChannel(c *gin.Context) {
	channelID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var patch models.ChannelPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ch, err := h.channels.Update(c.Request.Context(), callerID(c), channelID, patch)
	if err != nil {
		h.fail(c, err, "could not update channel")
		return
	}
	c.JSON(http.StatusOK, ch)
}

// DeleteChannel removes a channel and its messages.
func (h *ChannelHandler) DeleteChannel(c *gin.Context) {
	channelID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.channels.Delete(c.Request.Context(), callerID(c), channelID); err != nil {
		h.fail(c, err, "could not delete channel")
		return
	}
	if h.subs != nil {
		h.subs.DropChannel(channelID)
	}
	emitAudit(c, h.audit, "channel.delete", channelID, nil, "channel deleted")
	c.Status(http.StatusNoContent)
}

func (h *ChannelHandler) AddMembers(c *gin.Context) {
	h.changeMembers(c, "channel.members.add", h.channels.AddMembers, nil)
}

func (h *ChannelHandler) RemoveMembers(c *gin.Context) {
	h.changeMembers(c, "channel.members.remove", h.channels.RemoveMembers, h.unsubscribe)
}

func (h *ChannelHandler) GrantAdmin(c *gin.Context) {
	h.changeMembers(c, "channel.admins.grant", h.channels.GrantAdmin, nil)
}

func (h *ChannelHandler) RevokeAdmin(c *gin.Context) {
	h.changeMembers(c, "channel.admins.revoke", h.channels.RevokeAdmin, nil)
}

type membershipChange func(ctx context.Context, callerID, channelID int64, userIDs []int64) (models.Channel, error)

func (h *ChannelHandler) changeMembers(c *gin.Context, action string, change membershipChange, after func(channelID int64, userIDs []int64)) {
	channelID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req membersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ch, err := change(c.Request.Context(), callerID(c), channelID, req.UserIDs)
	if err != nil {
		h.fail(c, err, "could not update channel members")
		return
	}
	if after != nil {
		after(channelID, req.UserIDs)
	}
	emitAudit(c, h.audit, action, channelID, req.UserIDs, action)
	c.JSON(http.StatusOK, ch)
}

// LeaveChannel removes the caller from a channel.
func (h *ChannelHandler) LeaveChannel(c *gin.Context) {
	channelID, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.channels.Leave(c.Request.Context(), callerID(c), channelID); err != nil {
		h.fail(c, err, "could not leave channel")
		return
	}
	h.unsubscribe(channelID, []int64{callerID(c)})
	c.Status(http.StatusNoContent)
}

// StartDirect creates or returns the direct channel with another user.
func (h *ChannelHandler) StartDirect(c *gin.Context) {
	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ch, err := h.channels.GetOrCreateDirect(c.Request.Context(), callerID(c), req.UserID)
	if err != nil {
		h.fail(c, err, "could not open direct channel")
		return
	}
	c.JSON(http.StatusOK, ch)
}

func (h *ChannelHandler) unsubscribe(channelID int64, userIDs []int64) {
	if h.subs != nil {
		h.subs.UnsubscribeUsers(channelID, userIDs...)
	}
}

func (h *ChannelHandler) fail(c *gin.Context, err error, msg string) {
	respondError(c, err, msg)
	if c.Writer.Status() == http.StatusInternalServerError {
		h.log.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}
}
