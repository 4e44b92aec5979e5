package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// MessageKind describes how a message body is interpreted.
type MessageKind string

const (
	MessageText   MessageKind = "text"
	MessageFile   MessageKind = "file"
	MessageSystem MessageKind = "system"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageFile, MessageSystem:
		return true
	}
	return false
}

// FileMetadata describes an attachment stored elsewhere.
type FileMetadata struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// Reaction is the set of users who reacted with one emoji.
type Reaction struct {
	Emoji string  `json:"emoji"`
	Users []int64 `json:"users"`
}

// Metadata is a free-form bag stored as JSONB.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("metadata: unsupported scan type")
	}
	return json.Unmarshal(raw, m)
}

// Message is a single chat message. Ids grow with creation order.
type Message struct {
	ID        int64         `json:"id"`
	ChannelID int64         `json:"channel_id"`
	SenderID  int64         `json:"sender_id"`
	Content   string        `json:"content"`
	Kind      MessageKind   `json:"kind"`
	ParentID  *int64        `json:"parent_message_id,omitempty"`
	Mentions  []int64       `json:"mentions"`
	ReadBy    []int64       `json:"read_by"`
	File      *FileMetadata `json:"file,omitempty"`
	Metadata  Metadata      `json:"metadata,omitempty"`
	Reactions []Reaction    `json:"reactions"`
	Edited    bool          `json:"edited"`
	Deleted   bool          `json:"deleted"`
	DeletedAt *time.Time    `json:"deleted_at,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ReactionUsers returns the users who reacted with emoji.
func (m Message) ReactionUsers(emoji string) []int64 {
	for _, r := range m.Reactions {
		if r.Emoji == emoji {
			return r.Users
		}
	}
	return nil
}

// Redacted returns the message as shown to clients: deleted messages keep
// their metadata but lose content and attachments.
func (m Message) Redacted() Message {
	if !m.Deleted {
		return m
	}
	m.Content = ""
	m.File = nil
	return m
}

// NewMessage is the input of message creation.
type NewMessage struct {
	ChannelID int64
	SenderID  int64
	Content   string
	Kind      MessageKind
	ParentID  *int64
	Mentions  []int64
	File      *FileMetadata
	Metadata  Metadata
}

// MessageQuery selects a page of messages. Without AllThreads only
// top-level messages (or replies to ParentID) are returned.
type MessageQuery struct {
	Limit      int
	BeforeID   *int64
	AfterID    *int64
	ParentID   *int64
	AllThreads bool
}
