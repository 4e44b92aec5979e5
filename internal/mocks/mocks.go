package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"teamchat/internal/models"
	"teamchat/internal/services"
	"teamchat/internal/telemetry"
)

var _ telemetry.Publisher = (*PublisherMock)(nil)

type ChannelServiceMock struct {
	mock.Mock
}

func channelResult(args mock.Arguments) (models.Channel, error) {
	var ch models.Channel
	if val := args.Get(0); val != nil {
		ch = val.(models.Channel)
	}
	return ch, args.Error(1)
}

func (m *ChannelServiceMock) Create(ctx context.Context, callerID int64, in services.CreateChannelInput) (models.Channel, error) {
	return channelResult(m.Called(ctx, callerID, in))
}

func (m *ChannelServiceMock) FindAccessible(ctx context.Context, callerID int64, filter models.ChannelFilter) ([]models.Channel, error) {
	args := m.Called(ctx, callerID, filter)
	var list []models.Channel
	if val := args.Get(0); val != nil {
		list = val.([]models.Channel)
	}
	return list, args.Error(1)
}

func (m *ChannelServiceMock) FindOne(ctx context.Context, callerID, channelID int64) (models.Channel, error) {
	return channelResult(m.Called(ctx, callerID, channelID))
}

func (m *ChannelServiceMock) Update(ctx context.Context, callerID, channelID int64, patch models.ChannelPatch) (models.Channel, error) {
	return channelResult(m.Called(ctx, callerID, channelID, patch))
}

func (m *ChannelServiceMock) AddMembers(ctx context.Context, callerID, channelID int64, userIDs []int64) (models.Channel, error) {
	return channelResult(m.Called(ctx, callerID, channelID, userIDs))
}

func (m *ChannelServiceMock) RemoveMembers(ctx context.Context, callerID, channelID int64, userIDs []int64) (models.Channel, error) {
	return channelResult(m.Called(ctx, callerID, channelID, userIDs))
}

func (m *ChannelServiceMock) GrantAdmin(ctx context.Context, callerID, channelID int64, userIDs []int64) (models.Channel, error) {
	return channelResult(m.Called(ctx, callerID, channelID, userIDs))
}

func (m *ChannelServiceMock) RevokeAdmin(ctx context.Context, callerID, channelID int64, userIDs []int64) (models.Channel, error) {
	return channelResult(m.Called(ctx, callerID, channelID, userIDs))
}

func (m *ChannelServiceMock) Leave(ctx context.Context, callerID, channelID int64) error {
	args := m.Called(ctx, callerID, channelID)
	return args.Error(0)
}

func (m *ChannelServiceMock) Delete(ctx context.Context, callerID, channelID int64) error {
	args := m.Called(ctx, callerID, channelID)
	return args.Error(0)
}

func (m *ChannelServiceMock) GetOrCreateDirect(ctx context.Context, callerID, otherID int64) (models.Channel, error) {
	return channelResult(m.Called(ctx, callerID, otherID))
}

type MessageServiceMock struct {
	mock.Mock
}

func messageResult(args mock.Arguments) (models.Message, error) {
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func messagesResult(args mock.Arguments) ([]models.Message, error) {
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *MessageServiceMock) Create(ctx context.Context, senderID int64, in services.CreateMessageInput) (models.Message, error) {
	return messageResult(m.Called(ctx, senderID, in))
}

func (m *MessageServiceMock) Get(ctx context.Context, callerID, messageID int64) (models.Message, error) {
	return messageResult(m.Called(ctx, callerID, messageID))
}

func (m *MessageServiceMock) List(ctx context.Context, callerID, channelID int64, q models.MessageQuery) ([]models.Message, error) {
	return messagesResult(m.Called(ctx, callerID, channelID, q))
}

func (m *MessageServiceMock) ListChannelMessages(ctx context.Context, callerID, channelID int64, limit int, beforeID *int64) ([]models.Message, error) {
	return messagesResult(m.Called(ctx, callerID, channelID, limit, beforeID))
}

func (m *MessageServiceMock) Update(ctx context.Context, callerID, messageID int64, content string) (models.Message, error) {
	return messageResult(m.Called(ctx, callerID, messageID, content))
}

func (m *MessageServiceMock) Delete(ctx context.Context, callerID, messageID int64) (models.Message, error) {
	return messageResult(m.Called(ctx, callerID, messageID))
}

func (m *MessageServiceMock) ToggleReaction(ctx context.Context, callerID, messageID int64, emoji string) (models.Message, bool, error) {
	args := m.Called(ctx, callerID, messageID, emoji)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Bool(1), args.Error(2)
}

func (m *MessageServiceMock) MarkRead(ctx context.Context, callerID, channelID, uptoMessageID int64) (int64, error) {
	args := m.Called(ctx, callerID, channelID, uptoMessageID)
	return args.Get(0).(int64), args.Error(1)
}

type BroadcasterMock struct {
	mock.Mock
}

func (m *BroadcasterMock) Broadcast(channelID int64, event models.ChatEvent) {
	m.Called(channelID, event)
}

type SubscriptionsMock struct {
	mock.Mock
}

func (m *SubscriptionsMock) UnsubscribeUsers(channelID int64, userIDs ...int64) {
	m.Called(channelID, userIDs)
}

func (m *SubscriptionsMock) DropChannel(channelID int64) {
	m.Called(channelID)
}

type PresenceReaderMock struct {
	mock.Mock
}

func (m *PresenceReaderMock) OnlineStatus(ctx context.Context, userIDs []int64) (map[int64]bool, error) {
	args := m.Called(ctx, userIDs)
	var status map[int64]bool
	if val := args.Get(0); val != nil {
		status = val.(map[int64]bool)
	}
	return status, args.Error(1)
}

// PublisherMock stands in for the AMQP publisher behind audit and domain events.
type PublisherMock struct {
	mock.Mock
}

func (m *PublisherMock) Publish(ctx context.Context, routingKey string, event any) error {
	return m.Called(ctx, routingKey, event).Error(0)
}

func (m *PublisherMock) Close() error {
	return m.Called().Error(0)
}
