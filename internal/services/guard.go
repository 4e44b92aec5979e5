package services

import (
	"context"
	"fmt"

	"teamchat/internal/apperr"
	"teamchat/internal/repositories"
)

// Guard answers who may read, write or administer a channel. Every
// channel-scoped operation consults it before acting.
type Guard struct {
	channels repositories.ChannelRepository
}

func NewGuard(channels repositories.ChannelRepository) *Guard {
	return &Guard{channels: channels}
}

func (g *Guard) IsMember(ctx context.Context, channelID, userID int64) (bool, error) {
	return g.channels.IsMember(ctx, channelID, userID)
}

func (g *Guard) IsAdmin(ctx context.Context, channelID, userID int64) (bool, error) {
	return g.channels.IsAdmin(ctx, channelID, userID)
}

// RequireMember fails with apperr.ErrNotFound unless userID belongs to the
// channel, so callers cannot discover channels they do not see.
func (g *Guard) RequireMember(ctx context.Context, channelID, userID int64) error {
	ok, err := g.channels.IsMember(ctx, channelID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("channel %d: %w", channelID, apperr.ErrNotFound)
	}
	return nil
}
