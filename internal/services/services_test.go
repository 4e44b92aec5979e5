package services

import (
	"testing"

	"go.uber.org/zap"

	"teamchat/internal/storage/memory"
)

type fixture struct {
	channels *ChannelService
	messages *MessageService
	msgStore *memory.MessageStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zap.NewNop()
	chStore := memory.NewChannelStore()
	msgStore := memory.NewMessageStore()
	chStore.OnDelete(msgStore.DeleteChannel)
	msgStore.RequireMembership(chStore.WithMember)
	channels := NewChannelService(chStore, log)
	return &fixture{
		channels: channels,
		messages: NewMessageService(msgStore, channels, PageOptions{DefaultLimit: 50, MaxLimit: 100}, log),
		msgStore: msgStore,
	}
}
