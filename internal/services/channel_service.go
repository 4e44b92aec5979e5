package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"teamchat/internal/apperr"
	"teamchat/internal/models"
	"teamchat/internal/observability"
	"teamchat/internal/repositories"
)

var tracer = otel.Tracer("teamchat/services")

const maxChannelNameLength = 80

// CreateChannelInput is the request to create a named channel.
type CreateChannelInput struct {
	Name        string             `json:"name"`
	Kind        models.ChannelKind `json:"kind"`
	Description *string            `json:"description"`
	MemberIDs   []int64            `json:"member_ids"`
}

// ChannelService owns channel lifecycle and membership rules.
type ChannelService struct {
	channels repositories.ChannelRepository
	guard    *Guard
	log      *zap.Logger
	now      func() time.Time
}

func NewChannelService(channels repositories.ChannelRepository, log *zap.Logger) *ChannelService {
	return &ChannelService{
		channels: channels,
		guard:    NewGuard(channels),
		log:      log,
		now:      time.Now,
	}
}

// Guard exposes the membership predicates backing this service.
func (s *ChannelService) Guard() *Guard {
	return s.guard
}

// Create makes a public or private channel with the caller as member and admin.
func (s *ChannelService) Create(ctx context.Context, callerID int64, in CreateChannelInput) (models.Channel, error) {
	ctx, span := tracer.Start(ctx, "channels.Create")
	defer span.End()

	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > maxChannelNameLength {
		return models.Channel{}, fmt.Errorf("channel name must be 1-%d characters: %w", maxChannelNameLength, apperr.ErrInvalidInput)
	}
	if in.Kind == "" {
		in.Kind = models.ChannelPublic
	}
	if in.Kind != models.ChannelPublic && in.Kind != models.ChannelPrivate {
		return models.Channel{}, fmt.Errorf("channel kind %q: %w", in.Kind, apperr.ErrInvalidInput)
	}
	if err := validUserIDs(in.MemberIDs); err != nil {
		return models.Channel{}, err
	}

	ch, err := s.channels.Create(ctx, models.NewChannel{
		Name:        name,
		Kind:        in.Kind,
		Description: in.Description,
		MemberIDs:   in.MemberIDs,
		CreatorID:   callerID,
	})
	if err != nil {
		return models.Channel{}, err
	}
	span.SetAttributes(attribute.Int64("channel.id", ch.ID))
	s.publish(ctx, "channel.created", ch)
	return ch, nil
}

// FindAccessible lists the caller's channels, most recently active first.
func (s *ChannelService) FindAccessible(ctx context.Context, callerID int64, filter models.ChannelFilter) ([]models.Channel, error) {
	return s.channels.ListForMember(ctx, callerID, filter)
}

// ChannelIDs lists the ids of every channel the user belongs to.
func (s *ChannelService) ChannelIDs(ctx context.Context, userID int64) ([]int64, error) {
	return s.channels.ChannelIDsForMember(ctx, userID)
}

// FindOne returns the channel when the caller is a member and NotFound otherwise.
func (s *ChannelService) FindOne(ctx context.Context, callerID, channelID int64) (models.Channel, error) {
	ch, err := s.channels.GetByID(ctx, channelID)
	if err != nil {
		return models.Channel{}, err
	}
	if !ch.HasMember(callerID) {
		return models.Channel{}, fmt.Errorf("channel %d: %w", channelID, apperr.ErrNotFound)
	}
	return ch, nil
}

// Update changes name, description or archived flag. Admins only.
func (s *ChannelService) Update(ctx context.Context, callerID, channelID int64, patch models.ChannelPatch) (models.Channel, error) {
	ch, err := s.requireAdmin(ctx, callerID, channelID)
	if err != nil {
		return models.Channel{}, err
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" || len(name) > maxChannelNameLength {
			return models.Channel{}, fmt.Errorf("channel name must be 1-%d characters: %w", maxChannelNameLength, apperr.ErrInvalidInput)
		}
		patch.Name = &name
	}
	if patch.Empty() {
		return ch, nil
	}
	return s.channels.Update(ctx, channelID, patch)
}

// AddMembers adds users to a non-direct channel. Admins only.
func (s *ChannelService) AddMembers(ctx context.Context, callerID, channelID int64, userIDs []int64) (models.Channel, error) {
	ids, err := s.requireMembershipChange(ctx, callerID, channelID, userIDs)
	if err != nil {
		return models.Channel{}, err
	}
	if err := s.channels.AddMembers(ctx, channelID, callerID, ids); err != nil {
		return models.Channel{}, err
	}
	return s.channels.GetByID(ctx, channelID)
}

// RemoveMembers removes users, and their admin rights, from a non-direct
// channel. Admins only; the channel must keep at least one admin.
func (s *ChannelService) RemoveMembers(ctx context.Context, callerID, channelID int64, userIDs []int64) (models.Channel, error) {
	ids, err := s.requireMembershipChange(ctx, callerID, channelID, userIDs)
	if err != nil {
		return models.Channel{}, err
	}
	if err := s.channels.RemoveMembers(ctx, channelID, callerID, ids); err != nil {
		return models.Channel{}, err
	}
	return s.channels.GetByID(ctx, channelID)
}

// GrantAdmin promotes members to admins. Admins only.
func (s *ChannelService) GrantAdmin(ctx context.Context, callerID, channelID int64, userIDs []int64) (models.Channel, error) {
	ids, err := s.requireMembershipChange(ctx, callerID, channelID, userIDs)
	if err != nil {
		return models.Channel{}, err
	}
	if err := s.channels.GrantAdmin(ctx, channelID, callerID, ids); err != nil {
		return models.Channel{}, err
	}
	return s.channels.GetByID(ctx, channelID)
}

// RevokeAdmin demotes admins. Admins only; the last admin cannot be demoted.
func (s *ChannelService) RevokeAdmin(ctx context.Context, callerID, channelID int64, userIDs []int64) (models.Channel, error) {
	ids, err := s.requireMembershipChange(ctx, callerID, channelID, userIDs)
	if err != nil {
		return models.Channel{}, err
	}
	if err := s.channels.RevokeAdmin(ctx, channelID, callerID, ids); err != nil {
		return models.Channel{}, err
	}
	return s.channels.GetByID(ctx, channelID)
}

// Leave removes the caller from a non-direct channel.
func (s *ChannelService) Leave(ctx context.Context, callerID, channelID int64) error {
	ch, err := s.FindOne(ctx, callerID, channelID)
	if err != nil {
		return err
	}
	if ch.IsDirect() {
		return fmt.Errorf("cannot leave a direct channel: %w", apperr.ErrForbidden)
	}
	return s.channels.Leave(ctx, channelID, callerID)
}

// Delete removes a non-direct channel. Admins only.
func (s *ChannelService) Delete(ctx context.Context, callerID, channelID int64) error {
	ctx, span := tracer.Start(ctx, "channels.Delete")
	defer span.End()

	ch, err := s.requireAdmin(ctx, callerID, channelID)
	if err != nil {
		return err
	}
	if ch.IsDirect() {
		return fmt.Errorf("cannot delete a direct channel: %w", apperr.ErrForbidden)
	}
	if err := s.channels.Delete(ctx, channelID); err != nil {
		return err
	}
	s.publish(ctx, "channel.deleted", ch)
	return nil
}

// TouchActivity bumps the channel's last-activity timestamp.
func (s *ChannelService) TouchActivity(ctx context.Context, channelID int64) error {
	return s.channels.TouchActivity(ctx, channelID, s.now())
}

// RequireMember fails with NotFound unless userID belongs to the channel.
func (s *ChannelService) RequireMember(ctx context.Context, channelID, userID int64) error {
	return s.guard.RequireMember(ctx, channelID, userID)
}

func (s *ChannelService) requireAdmin(ctx context.Context, callerID, channelID int64) (models.Channel, error) {
	ch, err := s.FindOne(ctx, callerID, channelID)
	if err != nil {
		return models.Channel{}, err
	}
	if !ch.HasAdmin(callerID) {
		return models.Channel{}, fmt.Errorf("user %d is not an admin of channel %d: %w", callerID, channelID, apperr.ErrForbidden)
	}
	return ch, nil
}

func (s *ChannelService) requireMembershipChange(ctx context.Context, callerID, channelID int64, userIDs []int64) ([]int64, error) {
	ch, err := s.FindOne(ctx, callerID, channelID)
	if err != nil {
		return nil, err
	}
	if ch.IsDirect() {
		return nil, fmt.Errorf("direct channel membership is fixed: %w", apperr.ErrForbidden)
	}
	if !ch.HasAdmin(callerID) {
		return nil, fmt.Errorf("user %d is not an admin of channel %d: %w", callerID, channelID, apperr.ErrForbidden)
	}
	if len(userIDs) == 0 {
		return nil, fmt.Errorf("user ids required: %w", apperr.ErrInvalidInput)
	}
	if err := validUserIDs(userIDs); err != nil {
		return nil, err
	}
	return models.UniqueIDs(userIDs...), nil
}

func validUserIDs(ids []int64) error {
	for _, id := range ids {
		if id <= 0 {
			return fmt.Errorf("user id %d: %w", id, apperr.ErrInvalidInput)
		}
	}
	return nil
}

func (s *ChannelService) publish(ctx context.Context, name string, ch models.Channel) {
	err := observability.PublishEvent(ctx, "chat.channels", observability.EventEnvelope{
		EventType: "channel_events",
		EventName: name,
		Payload: map[string]interface{}{
			"channel_id": ch.ID,
			"kind":       ch.Kind,
			"name":       ch.Name,
			"members":    ch.Members,
		},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("publish channel event failed", zap.String("event", name), zap.Int64("channel_id", ch.ID), zap.Error(err))
	}
}
