package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"teamchat/internal/apperr"
	"teamchat/internal/models"
	"teamchat/internal/observability"
	"teamchat/internal/repositories"
)

const (
	maxMessageLength = 4000
	maxEmojiLength   = 64
)

// ChannelAccess is what the message store needs from the channel side.
type ChannelAccess interface {
	RequireMember(ctx context.Context, channelID, userID int64) error
	TouchActivity(ctx context.Context, channelID int64) error
}

// CreateMessageInput is the request to post a message.
type CreateMessageInput struct {
	ChannelID int64                `json:"-"`
	Content   string               `json:"content"`
	Kind      models.MessageKind   `json:"kind"`
	ParentID  *int64               `json:"parent_message_id"`
	Mentions  []int64              `json:"mentions"`
	File      *models.FileMetadata `json:"file"`
	Metadata  models.Metadata      `json:"metadata"`
}

// PageOptions tunes list pagination.
type PageOptions struct {
	DefaultLimit int
	MaxLimit     int
}

// MessageService owns message creation, threading, edits, reactions and
// read receipts. Every call is checked against channel membership first.
type MessageService struct {
	messages repositories.MessageRepository
	channels ChannelAccess
	page     PageOptions
	log      *zap.Logger
	now      func() time.Time
}

func NewMessageService(messages repositories.MessageRepository, channels ChannelAccess, page PageOptions, log *zap.Logger) *MessageService {
	if page.DefaultLimit <= 0 {
		page.DefaultLimit = 50
	}
	if page.MaxLimit < page.DefaultLimit {
		page.MaxLimit = page.DefaultLimit
	}
	return &MessageService{
		messages: messages,
		channels: channels,
		page:     page,
		log:      log,
		now:      time.Now,
	}
}

// Create posts a message on behalf of senderID.
func (s *MessageService) Create(ctx context.Context, senderID int64, in CreateMessageInput) (models.Message, error) {
	ctx, span := tracer.Start(ctx, "messages.Create")
	defer span.End()
	span.SetAttributes(attribute.Int64("channel.id", in.ChannelID))

	if in.Kind == "" {
		in.Kind = models.MessageText
	}
	if err := validateMessage(in); err != nil {
		return models.Message{}, err
	}
	if err := s.channels.RequireMember(ctx, in.ChannelID, senderID); err != nil {
		return models.Message{}, err
	}
	if in.ParentID != nil {
		parent, err := s.messages.GetByID(ctx, *in.ParentID)
		if err != nil {
			return models.Message{}, err
		}
		if parent.ChannelID != in.ChannelID {
			return models.Message{}, fmt.Errorf("parent message %d in channel %d: %w", parent.ID, in.ChannelID, apperr.ErrNotFound)
		}
	}

	msg, err := s.messages.Create(ctx, models.NewMessage{
		ChannelID: in.ChannelID,
		SenderID:  senderID,
		Content:   in.Content,
		Kind:      in.Kind,
		ParentID:  in.ParentID,
		Mentions:  models.UniqueIDs(in.Mentions...),
		File:      in.File,
		Metadata:  in.Metadata,
	})
	if err != nil {
		return models.Message{}, err
	}

	// The message is stored; a failed activity bump only affects list ordering.
	if err := s.channels.TouchActivity(ctx, in.ChannelID); err != nil {
		s.log.Warn("touch channel activity failed", zap.Int64("channel_id", in.ChannelID), zap.Error(err))
	}
	s.publish(ctx, msg)
	return msg, nil
}

func validateMessage(in CreateMessageInput) error {
	if !in.Kind.Valid() {
		return fmt.Errorf("message kind %q: %w", in.Kind, apperr.ErrInvalidInput)
	}
	if in.Kind == models.MessageFile && (in.File == nil || in.File.URL == "") {
		return fmt.Errorf("file message requires file metadata: %w", apperr.ErrInvalidInput)
	}
	if strings.TrimSpace(in.Content) == "" && in.File == nil {
		return fmt.Errorf("message content required: %w", apperr.ErrInvalidInput)
	}
	if utf8.RuneCountInString(in.Content) > maxMessageLength {
		return fmt.Errorf("message longer than %d characters: %w", maxMessageLength, apperr.ErrInvalidInput)
	}
	return nil
}

// Get returns a message from a channel the caller belongs to.
func (s *MessageService) Get(ctx context.Context, callerID, messageID int64) (models.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if err := s.channels.RequireMember(ctx, msg.ChannelID, callerID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return models.Message{}, fmt.Errorf("message %d: %w", messageID, apperr.ErrNotFound)
		}
		return models.Message{}, err
	}
	return msg, nil
}

// List returns a page of top-level messages, or of replies to q.ParentID.
func (s *MessageService) List(ctx context.Context, callerID, channelID int64, q models.MessageQuery) ([]models.Message, error) {
	if err := s.channels.RequireMember(ctx, channelID, callerID); err != nil {
		return nil, err
	}
	q.AllThreads = false
	q.Limit = s.limit(q.Limit)
	return s.messages.List(ctx, channelID, q)
}

// ListChannelMessages returns a page of every message in the channel,
// replies included, newest first.
func (s *MessageService) ListChannelMessages(ctx context.Context, callerID, channelID int64, limit int, beforeID *int64) ([]models.Message, error) {
	if err := s.channels.RequireMember(ctx, channelID, callerID); err != nil {
		return nil, err
	}
	return s.messages.List(ctx, channelID, models.MessageQuery{
		Limit:      s.limit(limit),
		BeforeID:   beforeID,
		AllThreads: true,
	})
}

func (s *MessageService) limit(requested int) int {
	switch {
	case requested <= 0:
		return s.page.DefaultLimit
	case requested > s.page.MaxLimit:
		return s.page.MaxLimit
	default:
		return requested
	}
}

// Update edits the content of the caller's own message.
func (s *MessageService) Update(ctx context.Context, callerID, messageID int64, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" || utf8.RuneCountInString(content) > maxMessageLength {
		return models.Message{}, fmt.Errorf("message content must be 1-%d characters: %w", maxMessageLength, apperr.ErrInvalidInput)
	}
	if _, err := s.ownMessage(ctx, callerID, messageID); err != nil {
		return models.Message{}, err
	}
	return s.messages.UpdateContent(ctx, messageID, callerID, content)
}

// Delete soft-deletes the caller's own message.
func (s *MessageService) Delete(ctx context.Context, callerID, messageID int64) (models.Message, error) {
	if _, err := s.ownMessage(ctx, callerID, messageID); err != nil {
		return models.Message{}, err
	}
	return s.messages.SoftDelete(ctx, messageID, callerID, s.now())
}

func (s *MessageService) ownMessage(ctx context.Context, callerID, messageID int64) (models.Message, error) {
	msg, err := s.Get(ctx, callerID, messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.SenderID != callerID {
		return models.Message{}, repositories.ErrNotSender
	}
	return msg, nil
}

// ToggleReaction adds the caller's emoji reaction, or removes it when
// already present. It returns the updated message and whether it was added.
func (s *MessageService) ToggleReaction(ctx context.Context, callerID, messageID int64, emoji string) (models.Message, bool, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiLength {
		return models.Message{}, false, fmt.Errorf("emoji must be 1-%d bytes: %w", maxEmojiLength, apperr.ErrInvalidInput)
	}
	if _, err := s.Get(ctx, callerID, messageID); err != nil {
		return models.Message{}, false, err
	}
	added, err := s.messages.ToggleReaction(ctx, messageID, emoji, callerID)
	if err != nil {
		return models.Message{}, false, err
	}
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return models.Message{}, false, err
	}
	return msg, added, nil
}

// MarkRead records that the caller has seen every message of the channel up
// to uptoMessageID. It returns how many messages were newly marked.
func (s *MessageService) MarkRead(ctx context.Context, callerID, channelID, uptoMessageID int64) (int64, error) {
	if uptoMessageID <= 0 {
		return 0, fmt.Errorf("upto message id required: %w", apperr.ErrInvalidInput)
	}
	if err := s.channels.RequireMember(ctx, channelID, callerID); err != nil {
		return 0, err
	}
	return s.messages.MarkRead(ctx, channelID, uptoMessageID, callerID)
}

func (s *MessageService) publish(ctx context.Context, msg models.Message) {
	err := observability.PublishEvent(ctx, "chat.messages", observability.EventEnvelope{
		EventType: "message_events",
		EventName: "message.created",
		Payload: map[string]interface{}{
			"message_id": msg.ID,
			"channel_id": msg.ChannelID,
			"sender_id":  msg.SenderID,
			"mentions":   msg.Mentions,
			"parent_id":  msg.ParentID,
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("publish message event failed", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
}
