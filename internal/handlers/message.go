package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"teamchat/internal/models"
	"teamchat/internal/observability"
	"teamchat/internal/services"
)

// MessageService is the message store used by the HTTP surface.
type MessageService interface {
	Create(ctx context.Context, senderID int64, in services.CreateMessageInput) (models.Message, error)
	Get(ctx context.Context, callerID, messageID int64) (models.Message, error)
	List(ctx context.Context, callerID, channelID int64, q models.MessageQuery) ([]models.Message, error)
	ListChannelMessages(ctx context.Context, callerID, channelID int64, limit int, beforeID *int64) ([]models.Message, error)
	Update(ctx context.Context, callerID, messageID int64, content string) (models.Message, error)
	Delete(ctx context.Context, callerID, messageID int64) (models.Message, error)
	ToggleReaction(ctx context.Context, callerID, messageID int64, emoji string) (models.Message, bool, error)
	MarkRead(ctx context.Context, callerID, channelID, uptoMessageID int64) (int64, error)
}

// MessageHandler manages message endpoints and relays their effects to
// gateway connections.
type MessageHandler struct {
	messages MessageService
	hub      Broadcaster
	log      *zap.Logger
}

// NewMessageHandler builds a MessageHandler.
func NewMessageHandler(messages MessageService, hub Broadcaster, log *zap.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, hub: hub, log: log}
}

// PostMessage stores a message and broadcasts it.
func (h *MessageHandler) PostMessage(c *gin.Context) {
	channelID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req services.CreateMessageInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ChannelID = channelID

	msg, err := h.messages.Create(c.Request.Context(), callerID(c), req)
	if err != nil {
		h.fail(c, err, "failed to store message")
		return
	}
	observability.IncMessagesCreated("http")
	h.hub.Broadcast(channelID, models.ChatEvent{Type: models.EventNewMessage, ChannelID: channelID, Message: &msg})
	c.JSON(http.StatusCreated, msg)
}

// ListMessages returns a page of top-level messages or of one thread.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	channelID, ok := paramID(c, "id")
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	var q models.MessageQuery
	q.Limit = limit
	if q.BeforeID, ok = queryID(c, "before"); !ok {
		return
	}
	if q.AfterID, ok = queryID(c, "after"); !ok {
		return
	}
	if q.ParentID, ok = queryID(c, "parent"); !ok {
		return
	}

	msgs, err := h.messages.List(c.Request.Context(), callerID(c), channelID, q)
	if err != nil {
		h.fail(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": redactAll(msgs)})
}

// ListAllMessages returns a page of every message in the channel, replies included.
func (h *MessageHandler) ListAllMessages(c *gin.Context) {
	channelID, ok := paramID(c, "id")
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	before, ok := queryID(c, "before")
	if !ok {
		return
	}

	msgs, err := h.messages.ListChannelMessages(c.Request.Context(), callerID(c), channelID, limit, before)
	if err != nil {
		h.fail(c, err, "failed to load messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": redactAll(msgs)})
}

// GetMessage returns one message.
func (h *MessageHandler) GetMessage(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	msg, err := h.messages.Get(c.Request.Context(), callerID(c), messageID)
	if err != nil {
		h.fail(c, err, "failed to load message")
		return
	}
	c.JSON(http.StatusOK, msg.Redacted())
}

// UpdateMessage edits the caller's own message.
func (h *MessageHandler) UpdateMessage(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.messages.Update(c.Request.Context(), callerID(c), messageID, req.Content)
	if err != nil {
		h.fail(c, err, "could not update message")
		return
	}
	h.hub.Broadcast(msg.ChannelID, models.ChatEvent{Type: models.EventMessageUpdated, ChannelID: msg.ChannelID, MessageID: msg.ID, Message: &msg})
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage soft-deletes the caller's own message for everyone.
func (h *MessageHandler) DeleteMessage(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	msg, err := h.messages.Delete(c.Request.Context(), callerID(c), messageID)
	if err != nil {
		h.fail(c, err, "could not delete message")
		return
	}
	redacted := msg.Redacted()
	h.hub.Broadcast(msg.ChannelID, models.ChatEvent{Type: models.EventMessageDeleted, ChannelID: msg.ChannelID, MessageID: msg.ID, Message: &redacted})
	c.Status(http.StatusNoContent)
}

// ToggleReaction adds or removes the caller's emoji reaction.
func (h *MessageHandler) ToggleReaction(c *gin.Context) {
	messageID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := callerID(c)
	msg, added, err := h.messages.ToggleReaction(c.Request.Context(), userID, messageID, req.Emoji)
	if err != nil {
		h.fail(c, err, "could not toggle reaction")
		return
	}
	redacted := msg.Redacted()
	h.hub.Broadcast(msg.ChannelID, models.ChatEvent{
		Type:      models.EventReactionToggled,
		ChannelID: msg.ChannelID,
		MessageID: msg.ID,
		UserID:    userID,
		Emoji:     req.Emoji,
		Added:     &added,
		Message:   &redacted,
	})
	c.JSON(http.StatusOK, gin.H{"added": added, "message": redacted})
}

// MarkRead records the caller's read position in a channel.
func (h *MessageHandler) MarkRead(c *gin.Context) {
	channelID, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		UptoMessageID int64 `json:"upto_message_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := callerID(c)
	marked, err := h.messages.MarkRead(c.Request.Context(), userID, channelID, req.UptoMessageID)
	if err != nil {
		h.fail(c, err, "could not mark messages read")
		return
	}
	if marked > 0 {
		h.hub.Broadcast(channelID, models.ChatEvent{Type: models.EventMessagesRead, ChannelID: channelID, UserID: userID, UptoID: req.UptoMessageID})
	}
	c.JSON(http.StatusOK, gin.H{"marked": marked})
}

func (h *MessageHandler) fail(c *gin.Context, err error, msg string) {
	respondError(c, err, msg)
	if c.Writer.Status() == http.StatusInternalServerError {
		h.log.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}
}

func redactAll(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Redacted())
	}
	return out
}
