package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"teamchat/internal/apperr"
	"teamchat/internal/middleware"
	"teamchat/internal/mocks"
	"teamchat/internal/models"
	"teamchat/internal/services"
	"teamchat/internal/telemetry"
)

func withCaller(userID int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID)
		c.Next()
	}
}

func setupChannelRouter(handler *ChannelHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withCaller(1))
	r.POST("/channels", handler.CreateChannel)
	r.GET("/channels", handler.ListChannels)
	r.GET("/channels/:id", handler.GetChannel)
	r.PATCH("/channels/:id", handler.UpdateChannel)
	r.DELETE("/channels/:id", handler.DeleteChannel)
	r.POST("/channels/:id/members", handler.AddMembers)
	r.DELETE("/channels/:id/members", handler.RemoveMembers)
	r.POST("/channels/:id/leave", handler.LeaveChannel)
	r.POST("/direct", handler.StartDirect)
	return r
}

func serve(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateChannelSuccess(t *testing.T) {
	svc := new(mocks.ChannelServiceMock)
	router := setupChannelRouter(NewChannelHandler(svc, nil, zap.NewNop()))

	in := services.CreateChannelInput{Name: "general", MemberIDs: []int64{2}}
	svc.On("Create", mock.Anything, int64(1), in).
		Return(models.Channel{ID: 5, Name: "general", Kind: models.ChannelPublic, Members: []int64{1, 2}, Admins: []int64{1}}, nil).Once()

	rec := serve(router, http.MethodPost, "/channels", `{"name":"general","member_ids":[2]}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var ch models.Channel
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ch))
	assert.Equal(t, int64(5), ch.ID)
	assert.Equal(t, []int64{1}, ch.Admins)
	svc.AssertExpectations(t)
}

func TestCreateChannelConflict(t *testing.T) {
	svc := new(mocks.ChannelServiceMock)
	router := setupChannelRouter(NewChannelHandler(svc, nil, zap.NewNop()))

	svc.On("Create", mock.Anything, int64(1), mock.Anything).
		Return(nil, fmt.Errorf("channel general: %w", apperr.ErrConflict)).Once()

	rec := serve(router, http.MethodPost, "/channels", `{"name":"general"}`)

	require.Equal(t, http.StatusConflict, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "conflict", resp["code"])
	svc.AssertExpectations(t)
}

func TestListChannelsFilters(t *testing.T) {
	svc := new(mocks.ChannelServiceMock)
	router := setupChannelRouter(NewChannelHandler(svc, nil, zap.NewNop()))

	svc.On("FindAccessible", mock.Anything, int64(1), mock.MatchedBy(func(f models.ChannelFilter) bool {
		return f.Kind != nil && *f.Kind == models.ChannelPrivate && f.Archived != nil && !*f.Archived && f.NameContains == "eng"
	})).Return(nil, nil).Once()

	rec := serve(router, http.MethodGet, "/channels?kind=private&archived=false&q=eng", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"channels":[]}`, rec.Body.String())
	svc.AssertExpectations(t)
}

func TestListChannelsRejectsBadKind(t *testing.T) {
	svc := new(mocks.ChannelServiceMock)
	router := setupChannelRouter(NewChannelHandler(svc, nil, zap.NewNop()))

	rec := serve(router, http.MethodGet, "/channels?kind=secret", "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "FindAccessible", mock.Anything, mock.Anything, mock.Anything)
}

func TestGetChannelErrorMapping(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"not found": {fmt.Errorf("channel 9: %w", apperr.ErrNotFound), http.StatusNotFound},
		"forbidden": {fmt.Errorf("x: %w", apperr.ErrForbidden), http.StatusForbidden},
		"invalid":   {fmt.Errorf("x: %w", apperr.ErrInvalidInput), http.StatusBadRequest},
		"internal":  {assert.AnError, http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			svc := new(mocks.ChannelServiceMock)
			router := setupChannelRouter(NewChannelHandler(svc, nil, zap.NewNop()))
			svc.On("FindOne", mock.Anything, int64(1), int64(9)).Return(nil, tc.err).Once()

			rec := serve(router, http.MethodGet, "/channels/9", "")

			require.Equal(t, tc.status, rec.Code)
			svc.AssertExpectations(t)
		})
	}
}

func TestGetChannelInvalidID(t *testing.T) {
	router := setupChannelRouter(NewChannelHandler(new(mocks.ChannelServiceMock), nil, zap.NewNop()))

	rec := serve(router, http.MethodGet, "/channels/abc", "")

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateChannelPassesPatch(t *testing.T) {
	svc := new(mocks.ChannelServiceMock)
	router := setupChannelRouter(NewChannelHandler(svc, nil, zap.NewNop()))

	svc.On("Update", mock.Anything, int64(1), int64(4), mock.MatchedBy(func(p models.ChannelPatch) bool {
		return p.Name == nil && p.Archived != nil && *p.Archived
	})).Return(models.Channel{ID: 4, Archived: true}, nil).Once()

	rec := serve(router, http.MethodPatch, "/channels/4", `{"archived":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestRemoveMembersEmitsAudit(t *testing.T) {
	svc := new(mocks.ChannelServiceMock)
	publisher := new(mocks.PublisherMock)
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", "teamchat", "test", zap.NewNop())
	router := setupChannelRouter(NewChannelHandler(svc, audit, zap.NewNop()))

	svc.On("RemoveMembers", mock.Anything, int64(1), int64(3), []int64{2}).
		Return(models.Channel{ID: 3, Members: []int64{1}, Admins: []int64{1}}, nil).Once()
	publisher.On("Publish", mock.Anything, "audit.chat", mock.MatchedBy(func(env telemetry.AuditEnvelope) bool {
		return env.Payload.Action == "channel.members.remove" && env.Payload.ChannelID == 3 && *env.UserID == "1"
	})).Return(nil).Once()

	rec := serve(router, http.MethodDelete, "/channels/3/members", `{"user_ids":[2]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

func TestRemoveLastAdminForbidden(t *testing.T) {
	svc := new(mocks.ChannelServiceMock)
	publisher := new(mocks.PublisherMock)
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", "teamchat", "test", zap.NewNop())
	router := setupChannelRouter(NewChannelHandler(svc, audit, zap.NewNop()))

	svc.On("RemoveMembers", mock.Anything, int64(1), int64(3), []int64{1}).
		Return(nil, fmt.Errorf("channel 3: %w", apperr.ErrForbidden)).Once()

	rec := serve(router, http.MethodDelete, "/channels/3/members", `{"user_ids":[1]}`)

	require.Equal(t, http.StatusForbidden, rec.Code)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestLeaveAndDeleteChannel(t *testing.T) {
	svc := new(mocks.ChannelServiceMock)
	subs := new(mocks.SubscriptionsMock)
	router := setupChannelRouter(NewChannelHandler(svc, nil, zap.NewNop()).WithSubscriptions(subs))

	svc.On("Leave", mock.Anything, int64(1), int64(8)).Return(nil).Once()
	svc.On("Delete", mock.Anything, int64(1), int64(8)).Return(nil).Once()
	subs.On("UnsubscribeUsers", int64(8), []int64{1}).Once()
	subs.On("DropChannel", int64(8)).Once()

	require.Equal(t, http.StatusNoContent, serve(router, http.MethodPost, "/channels/8/leave", "").Code)
	require.Equal(t, http.StatusNoContent, serve(router, http.MethodDelete, "/channels/8", "").Code)
	svc.AssertExpectations(t)
	subs.AssertExpectations(t)
}

func TestRemoveMembersUnsubscribesConnections(t *testing.T) {
	svc := new(mocks.ChannelServiceMock)
	subs := new(mocks.SubscriptionsMock)
	router := setupChannelRouter(NewChannelHandler(svc, nil, zap.NewNop()).WithSubscriptions(subs))

	svc.On("RemoveMembers", mock.Anything, int64(1), int64(3), []int64{2, 4}).
		Return(models.Channel{ID: 3, Members: []int64{1}, Admins: []int64{1}}, nil).Once()
	subs.On("UnsubscribeUsers", int64(3), []int64{2, 4}).Once()

	rec := serve(router, http.MethodDelete, "/channels/3/members", `{"user_ids":[2,4]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	subs.AssertExpectations(t)
}

func TestFailedLeaveKeepsSubscriptions(t *testing.T) {
	svc := new(mocks.ChannelServiceMock)
	subs := new(mocks.SubscriptionsMock)
	router := setupChannelRouter(NewChannelHandler(svc, nil, zap.NewNop()).WithSubscriptions(subs))

	svc.On("Leave", mock.Anything, int64(1), int64(8)).Return(fmt.Errorf("sole admin: %w", apperr.ErrForbidden)).Once()

	require.Equal(t, http.StatusForbidden, serve(router, http.MethodPost, "/channels/8/leave", "").Code)
	subs.AssertNotCalled(t, "UnsubscribeUsers", mock.Anything, mock.Anything)
}

func TestStartDirect(t *testing.T) {
	svc := new(mocks.ChannelServiceMock)
	router := setupChannelRouter(NewChannelHandler(svc, nil, zap.NewNop()))

	svc.On("GetOrCreateDirect", mock.Anything, int64(1), int64(2)).
		Return(models.Channel{ID: 11, Kind: models.ChannelDirect, Name: "dm-1-2", Participants: []int64{1, 2}}, nil).Once()

	rec := serve(router, http.MethodPost, "/direct", `{"user_id":2}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var ch models.Channel
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ch))
	assert.Equal(t, []int64{1, 2}, ch.Participants)
	svc.AssertExpectations(t)
}

func TestStartDirectRequiresUser(t *testing.T) {
	router := setupChannelRouter(NewChannelHandler(new(mocks.ChannelServiceMock), nil, zap.NewNop()))

	rec := serve(router, http.MethodPost, "/direct", `{}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
