package services

import (
	"context"
	"fmt"

	"teamchat/internal/apperr"
	"teamchat/internal/models"
)

// GetOrCreateDirect resolves the direct channel of the caller and otherID,
// creating it on first contact. otherID may equal callerID, which yields the
// caller's self-chat, a channel distinct from every two-party channel.
func (s *ChannelService) GetOrCreateDirect(ctx context.Context, callerID, otherID int64) (models.Channel, error) {
	ctx, span := tracer.Start(ctx, "channels.GetOrCreateDirect")
	defer span.End()

	if callerID <= 0 || otherID <= 0 {
		return models.Channel{}, fmt.Errorf("direct channel participants: %w", apperr.ErrInvalidInput)
	}
	ch, created, err := s.channels.GetOrCreateDirect(ctx, callerID, otherID)
	if err != nil {
		return models.Channel{}, err
	}
	if created {
		s.publish(ctx, "channel.created", ch)
	}
	return ch, nil
}
