package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"teamchat/internal/apperr"
	"teamchat/internal/mocks"
	"teamchat/internal/models"
	"teamchat/internal/repositories"
	"teamchat/internal/services"
)

func setupMessageRouter(handler *MessageHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withCaller(1))
	r.POST("/channels/:id/messages", handler.PostMessage)
	r.GET("/channels/:id/messages", handler.ListMessages)
	r.GET("/channels/:id/messages/all", handler.ListAllMessages)
	r.POST("/channels/:id/read", handler.MarkRead)
	r.GET("/messages/:id", handler.GetMessage)
	r.PATCH("/messages/:id", handler.UpdateMessage)
	r.DELETE("/messages/:id", handler.DeleteMessage)
	r.POST("/messages/:id/reactions", handler.ToggleReaction)
	return r
}

func TestPostMessageBroadcasts(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	hub := new(mocks.BroadcasterMock)
	router := setupMessageRouter(NewMessageHandler(svc, hub, zap.NewNop()))

	parent := int64(3)
	svc.On("Create", mock.Anything, int64(1), services.CreateMessageInput{ChannelID: 5, Content: "hi", ParentID: &parent}).
		Return(models.Message{ID: 7, ChannelID: 5, SenderID: 1, Content: "hi", ParentID: &parent}, nil).Once()
	hub.On("Broadcast", int64(5), mock.MatchedBy(func(ev models.ChatEvent) bool {
		return ev.Type == models.EventNewMessage && ev.Message != nil && ev.Message.ID == 7
	})).Once()

	rec := serve(router, http.MethodPost, "/channels/5/messages", `{"content":"hi","parent_message_id":3}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	svc.AssertExpectations(t)
	hub.AssertExpectations(t)
}

func TestPostMessageNonMemberNotFound(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	hub := new(mocks.BroadcasterMock)
	router := setupMessageRouter(NewMessageHandler(svc, hub, zap.NewNop()))

	svc.On("Create", mock.Anything, int64(1), mock.Anything).
		Return(nil, fmt.Errorf("channel 5: %w", apperr.ErrNotFound)).Once()

	rec := serve(router, http.MethodPost, "/channels/5/messages", `{"content":"hi"}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	hub.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything)
}

func TestListMessagesParsesCursor(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupMessageRouter(NewMessageHandler(svc, new(mocks.BroadcasterMock), zap.NewNop()))

	svc.On("List", mock.Anything, int64(1), int64(5), mock.MatchedBy(func(q models.MessageQuery) bool {
		return q.Limit == 2 && q.BeforeID != nil && *q.BeforeID == 9 && q.AfterID == nil && q.ParentID == nil
	})).Return([]models.Message{{ID: 8, ChannelID: 5}, {ID: 7, ChannelID: 5}}, nil).Once()

	rec := serve(router, http.MethodGet, "/channels/5/messages?limit=2&before=9", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, int64(8), resp.Messages[0].ID)
	svc.AssertExpectations(t)
}

func TestListMessagesRejectsBadCursor(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupMessageRouter(NewMessageHandler(svc, new(mocks.BroadcasterMock), zap.NewNop()))

	require.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/channels/5/messages?before=x", "").Code)
	require.Equal(t, http.StatusBadRequest, serve(router, http.MethodGet, "/channels/5/messages?limit=-1", "").Code)
	svc.AssertNotCalled(t, "List", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestListAllMessagesRedactsDeleted(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	router := setupMessageRouter(NewMessageHandler(svc, new(mocks.BroadcasterMock), zap.NewNop()))

	deletedAt := time.Now()
	svc.On("ListChannelMessages", mock.Anything, int64(1), int64(5), 0, (*int64)(nil)).
		Return([]models.Message{{ID: 2, ChannelID: 5, Content: "secret", Deleted: true, DeletedAt: &deletedAt}}, nil).Once()

	rec := serve(router, http.MethodGet, "/channels/5/messages/all", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	assert.True(t, resp.Messages[0].Deleted)
	assert.Empty(t, resp.Messages[0].Content)
	svc.AssertExpectations(t)
}

func TestUpdateMessageByNonSenderForbidden(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	hub := new(mocks.BroadcasterMock)
	router := setupMessageRouter(NewMessageHandler(svc, hub, zap.NewNop()))

	svc.On("Update", mock.Anything, int64(1), int64(7), "edited").Return(nil, repositories.ErrNotSender).Once()

	rec := serve(router, http.MethodPatch, "/messages/7", `{"content":"edited"}`)

	require.Equal(t, http.StatusForbidden, rec.Code)
	hub.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything)
}

func TestDeleteMessageBroadcastsRedacted(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	hub := new(mocks.BroadcasterMock)
	router := setupMessageRouter(NewMessageHandler(svc, hub, zap.NewNop()))

	deletedAt := time.Now()
	svc.On("Delete", mock.Anything, int64(1), int64(7)).
		Return(models.Message{ID: 7, ChannelID: 5, SenderID: 1, Content: "oops", Deleted: true, DeletedAt: &deletedAt}, nil).Once()
	hub.On("Broadcast", int64(5), mock.MatchedBy(func(ev models.ChatEvent) bool {
		return ev.Type == models.EventMessageDeleted && ev.MessageID == 7 && ev.Message.Content == ""
	})).Once()

	rec := serve(router, http.MethodDelete, "/messages/7", "")

	require.Equal(t, http.StatusNoContent, rec.Code)
	hub.AssertExpectations(t)
}

func TestToggleReaction(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	hub := new(mocks.BroadcasterMock)
	router := setupMessageRouter(NewMessageHandler(svc, hub, zap.NewNop()))

	msg := models.Message{ID: 7, ChannelID: 5, Reactions: []models.Reaction{{Emoji: "👍", Users: []int64{1}}}}
	svc.On("ToggleReaction", mock.Anything, int64(1), int64(7), "👍").Return(msg, true, nil).Once()
	hub.On("Broadcast", int64(5), mock.MatchedBy(func(ev models.ChatEvent) bool {
		return ev.Type == models.EventReactionToggled && ev.Added != nil && *ev.Added && ev.UserID == 1
	})).Once()

	rec := serve(router, http.MethodPost, "/messages/7/reactions", `{"emoji":"👍"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Added bool `json:"added"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Added)
	svc.AssertExpectations(t)
	hub.AssertExpectations(t)
}

func TestMarkRead(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	hub := new(mocks.BroadcasterMock)
	router := setupMessageRouter(NewMessageHandler(svc, hub, zap.NewNop()))

	svc.On("MarkRead", mock.Anything, int64(1), int64(5), int64(3)).Return(int64(3), nil).Once()
	hub.On("Broadcast", int64(5), models.ChatEvent{Type: models.EventMessagesRead, ChannelID: 5, UserID: 1, UptoID: 3}).Once()

	rec := serve(router, http.MethodPost, "/channels/5/read", `{"upto_message_id":3}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"marked":3}`, rec.Body.String())
	svc.AssertExpectations(t)
	hub.AssertExpectations(t)
}

func TestMarkReadNothingNewSkipsBroadcast(t *testing.T) {
	svc := new(mocks.MessageServiceMock)
	hub := new(mocks.BroadcasterMock)
	router := setupMessageRouter(NewMessageHandler(svc, hub, zap.NewNop()))

	svc.On("MarkRead", mock.Anything, int64(1), int64(5), int64(3)).Return(int64(0), nil).Once()

	rec := serve(router, http.MethodPost, "/channels/5/read", `{"upto_message_id":3}`)

	require.Equal(t, http.StatusOK, rec.Code)
	hub.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything)
}
