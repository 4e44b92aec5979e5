package models

// Gateway event types.
const (
	EventSendMessage          = "sendMessage"
	EventTyping               = "typing"
	EventRefreshSubscriptions = "refresh-subscriptions"

	EventConnected       = "connected"
	EventNewMessage      = "newMessage"
	EventUserTyping      = "userTyping"
	EventPresence        = "presence"
	EventSubscriptions   = "subscriptions"
	EventMessageUpdated  = "messageUpdated"
	EventMessageDeleted  = "messageDeleted"
	EventReactionToggled = "reactionToggled"
	EventMessagesRead    = "messagesRead"
	EventError           = "error"
)

// InboundEvent is a client to server frame.
type InboundEvent struct {
	Type            string        `json:"type"`
	ChannelID       int64         `json:"channel_id,omitempty"`
	Content         string        `json:"content,omitempty"`
	Kind            MessageKind   `json:"kind,omitempty"`
	ParentMessageID *int64        `json:"parent_message_id,omitempty"`
	Mentions        []int64       `json:"mentions,omitempty"`
	File            *FileMetadata `json:"file,omitempty"`
	Metadata        Metadata      `json:"metadata,omitempty"`
	IsTyping        bool          `json:"is_typing,omitempty"`
}

// ChatEvent is a server to client frame.
type ChatEvent struct {
	Type       string   `json:"type"`
	Message    *Message `json:"message,omitempty"`
	MessageID  int64    `json:"message_id,omitempty"`
	ChannelID  int64    `json:"channel_id,omitempty"`
	UserID     int64    `json:"user_id,omitempty"`
	IsTyping   *bool    `json:"is_typing,omitempty"`
	Online     *bool    `json:"online,omitempty"`
	ChannelIDs []int64  `json:"channel_ids,omitempty"`
	ConnID     string   `json:"conn_id,omitempty"`
	Emoji      string   `json:"emoji,omitempty"`
	Added      *bool    `json:"added,omitempty"`
	UptoID     int64    `json:"upto_message_id,omitempty"`
	Code       string   `json:"code,omitempty"`
	Error      string   `json:"error,omitempty"`
}
