package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"teamchat/internal/apperr"
	"teamchat/internal/auth"
	"teamchat/internal/models"
	"teamchat/internal/observability"
	"teamchat/internal/services"
)

const eventTimeout = 10 * time.Second

// ChannelLister enumerates the channels a user belongs to.
type ChannelLister interface {
	ChannelIDs(ctx context.Context, userID int64) ([]int64, error)
}

// MessageCreator stores messages; it checks membership on every call.
type MessageCreator interface {
	Create(ctx context.Context, senderID int64, in services.CreateMessageInput) (models.Message, error)
}

// PresenceTracker records live connections.
type PresenceTracker interface {
	Connect(ctx context.Context, userID int64, connID string) (bool, error)
	Disconnect(ctx context.Context, connID string) (int64, bool, error)
}

// Options tunes the gateway.
type Options struct {
	AllowedOrigins  []string
	EventsPerSecond float64
	EventBurst      int
}

// Gateway binds live connections to verified identities and relays channel
// events to every connection subscribed to the channel.
type Gateway struct {
	hub      *Hub
	verifier auth.Verifier
	channels ChannelLister
	messages MessageCreator
	presence PresenceTracker
	upgrader websocket.Upgrader
	opts     Options
	log      *zap.Logger
}

// NewGateway constructs a Gateway.
func NewGateway(hub *Hub, verifier auth.Verifier, channels ChannelLister, messages MessageCreator, presence PresenceTracker, opts Options, log *zap.Logger) *Gateway {
	return &Gateway{
		hub:      hub,
		verifier: verifier,
		channels: channels,
		messages: messages,
		presence: presence,
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)},
		opts:     opts,
		log:      log,
	}
}

// Hub returns the broadcast groups used by the gateway.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Handle upgrades the request and runs the connection until it closes.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("teamchat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	token, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		token = c.Query("token")
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Info("ws upgrade failed", zap.Error(err))
		return
	}

	meta := observability.ClientMetaFromContext(c)
	info := ConnInfo{
		ConnID:      newConnID(),
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		UserAgent:   meta.UserAgent,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	// The connection outlives the request; keep its values, drop its cancellation.
	client := g.newClient(context.WithoutCancel(ctx), conn, info)

	if err := g.Authenticate(ctx, client, token); err != nil {
		client.rejectAndClose(websocket.ClosePolicyViolation, "unauthorized")
		return
	}

	client.start(
		func(ctx context.Context, ev models.InboundEvent) { g.HandleEvent(ctx, client, ev) },
		func() { g.Close(client, "transport closed") },
	)
}

func (g *Gateway) newClient(ctx context.Context, conn *websocket.Conn, info ConnInfo) *Client {
	var limiter *rate.Limiter
	if g.opts.EventsPerSecond > 0 {
		burst := g.opts.EventBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(g.opts.EventsPerSecond), burst)
	}
	return newClient(ctx, conn, info, limiter, g.log)
}

// Authenticate moves a connecting client through Authenticated to
// Subscribed. On a rejected credential the client receives an error event
// and is marked Closed; the caller closes the transport.
func (g *Gateway) Authenticate(ctx context.Context, c *Client, token string) error {
	userID, err := g.verifier.Verify(ctx, token)
	if err != nil {
		c.deliver(models.ChatEvent{Type: models.EventError, Code: "unauthorized", Error: "authentication failed"})
		c.setState(StateClosed)
		g.publishWSEvent(ctx, "ws_auth_failed", c.info, err.Error())
		if !errors.Is(err, apperr.ErrUnauthorized) {
			err = fmt.Errorf("%v: %w", err, apperr.ErrUnauthorized)
		}
		return err
	}
	c.info.UserID = userID
	c.log = c.log.With(zap.Int64("user_id", userID))
	c.setState(StateAuthenticated)
	g.hub.Track(c)
	observability.IncWSActive()

	cctx, cancel := context.WithTimeout(ctx, eventTimeout)
	defer cancel()

	cameOnline, err := g.presence.Connect(cctx, userID, c.ID())
	if err != nil {
		c.log.Error("presence connect failed", zap.Error(err))
	}

	channelIDs, err := g.channels.ChannelIDs(cctx, userID)
	if err != nil {
		c.log.Error("list channels failed", zap.Error(err))
		c.deliver(errorEvent(err))
	}
	g.hub.Subscribe(c, channelIDs...)
	c.setState(StateSubscribed)

	c.deliver(models.ChatEvent{
		Type:       models.EventConnected,
		ConnID:     c.ID(),
		UserID:     userID,
		ChannelIDs: g.hub.Subscriptions(c),
	})
	if cameOnline {
		g.broadcastPresence(c, userID, true, channelIDs)
	}
	g.publishWSEvent(ctx, "ws_connect", c.info, "")
	return nil
}

// HandleEvent processes one inbound event. Failures are reported to the
// originating connection as error events; the connection stays open.
func (g *Gateway) HandleEvent(ctx context.Context, c *Client, ev models.InboundEvent) {
	if c.State() != StateSubscribed {
		return
	}
	observability.IncWSEvent("in", ev.Type)
	if !c.allow() {
		observability.IncWSDropped("rate_limited")
		c.deliver(models.ChatEvent{Type: models.EventError, Code: "rate_limited", Error: "too many events"})
		return
	}

	// Store mutations complete even if the connection goes away mid-event.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventTimeout)
	defer cancel()

	switch ev.Type {
	case models.EventSendMessage:
		g.handleSendMessage(ctx, c, ev)
	case models.EventTyping:
		g.handleTyping(c, ev)
	case models.EventRefreshSubscriptions:
		g.handleRefresh(ctx, c)
	default:
		c.deliver(models.ChatEvent{Type: models.EventError, Code: "invalid", Error: "unknown event type"})
	}
}

func (g *Gateway) handleSendMessage(ctx context.Context, c *Client, ev models.InboundEvent) {
	msg, err := g.messages.Create(ctx, c.UserID(), services.CreateMessageInput{
		ChannelID: ev.ChannelID,
		Content:   ev.Content,
		Kind:      ev.Kind,
		ParentID:  ev.ParentMessageID,
		Mentions:  ev.Mentions,
		File:      ev.File,
		Metadata:  ev.Metadata,
	})
	if err != nil {
		if apperr.Code(err) == "internal" {
			c.log.Error("ws send message failed", zap.Int64("channel_id", ev.ChannelID), zap.Error(err))
		}
		c.deliver(errorEvent(err))
		return
	}
	observability.IncMessagesCreated("ws")

	// Membership was just verified; a channel joined after connecting
	// starts receiving events from here on.
	g.hub.Subscribe(c, msg.ChannelID)
	g.hub.Broadcast(msg.ChannelID, models.ChatEvent{Type: models.EventNewMessage, ChannelID: msg.ChannelID, Message: &msg})
}

func (g *Gateway) handleTyping(c *Client, ev models.InboundEvent) {
	if !g.hub.IsSubscribed(c, ev.ChannelID) {
		c.deliver(models.ChatEvent{Type: models.EventError, Code: "not_found", Error: "not subscribed to channel"})
		return
	}
	typing := ev.IsTyping
	g.hub.BroadcastExcept(ev.ChannelID, models.ChatEvent{
		Type:      models.EventUserTyping,
		ChannelID: ev.ChannelID,
		UserID:    c.UserID(),
		IsTyping:  &typing,
	}, c)
}

func (g *Gateway) handleRefresh(ctx context.Context, c *Client) {
	channelIDs, err := g.channels.ChannelIDs(ctx, c.UserID())
	if err != nil {
		c.log.Error("refresh subscriptions failed", zap.Error(err))
		c.deliver(errorEvent(err))
		return
	}
	g.hub.Subscribe(c, channelIDs...)
	c.deliver(models.ChatEvent{Type: models.EventSubscriptions, ChannelIDs: g.hub.Subscriptions(c)})
}

// Close moves the client to Closed, drops its subscriptions and updates presence.
func (g *Gateway) Close(c *Client, reason string) {
	c.Close()
	channelIDs, tracked := g.hub.Remove(c)
	if !tracked {
		return
	}
	observability.DecWSActive()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), eventTimeout)
	defer cancel()

	userID, wentOffline, err := g.presence.Disconnect(ctx, c.ID())
	if err != nil {
		c.log.Error("presence disconnect failed", zap.Error(err))
	}
	if wentOffline {
		g.broadcastPresence(nil, userID, false, channelIDs)
	}
	g.publishWSEvent(ctx, "ws_disconnect", c.info, reason)
}

func (g *Gateway) broadcastPresence(except *Client, userID int64, online bool, channelIDs []int64) {
	ev := models.ChatEvent{Type: models.EventPresence, UserID: userID, Online: &online}
	for _, id := range channelIDs {
		ev.ChannelID = id
		g.hub.BroadcastExcept(id, ev, except)
	}
}

func (g *Gateway) publishWSEvent(ctx context.Context, name string, info ConnInfo, reason string) {
	_ = observability.PublishEvent(ctx, "ws_events.gateway", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		RequestID: info.RequestID,
		TraceID:   info.TraceID,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       name,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
				"agent":     info.UserAgent,
			},
		},
	})
}

func errorEvent(err error) models.ChatEvent {
	code := apperr.Code(err)
	text := "internal error"
	if code != "internal" {
		text = err.Error()
	}
	return models.ChatEvent{Type: models.EventError, Code: code, Error: text}
}
