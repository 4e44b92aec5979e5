package models

import (
	"fmt"
	"slices"
	"time"
)

// ChannelKind distinguishes named channels from participant-addressed ones.
type ChannelKind string

const (
	ChannelPublic  ChannelKind = "public"
	ChannelPrivate ChannelKind = "private"
	ChannelDirect  ChannelKind = "direct"
)

// Valid reports whether k is a known kind.
func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelPublic, ChannelPrivate, ChannelDirect:
		return true
	}
	return false
}

// Channel is a conversation container. Members and Admins are sets kept in
// ascending id order.
type Channel struct {
	ID             int64       `db:"id" json:"id"`
	Name           string      `db:"name" json:"name"`
	Kind           ChannelKind `db:"kind" json:"kind"`
	Description    *string     `db:"description" json:"description,omitempty"`
	CreatedBy      int64       `db:"created_by" json:"created_by"`
	Archived       bool        `db:"archived" json:"archived"`
	Members        []int64     `db:"-" json:"members"`
	Admins         []int64     `db:"-" json:"admins"`
	Participants   []int64     `db:"-" json:"participants,omitempty"`
	LastActivityAt time.Time   `db:"last_activity_at" json:"last_activity_at"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}

// IsDirect reports whether the channel is addressed by its participant pair.
func (c Channel) IsDirect() bool {
	return c.Kind == ChannelDirect
}

func (c Channel) HasMember(userID int64) bool {
	return slices.Contains(c.Members, userID)
}

func (c Channel) HasAdmin(userID int64) bool {
	return slices.Contains(c.Admins, userID)
}

// ChannelFilter narrows findAccessible results.
type ChannelFilter struct {
	Kind         *ChannelKind
	Archived     *bool
	NameContains string
}

// ChannelPatch carries optional channel updates.
type ChannelPatch struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Archived    *bool   `json:"archived"`
}

// Empty reports whether the patch changes nothing.
func (p ChannelPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Archived == nil
}

// NewChannel is the input of channel creation.
type NewChannel struct {
	Name        string
	Kind        ChannelKind
	Description *string
	MemberIDs   []int64
	CreatorID   int64
}

// DirectPair returns the ordered participant pair of a direct channel
// between a and b. A self-chat yields (a, a).
func DirectPair(a, b int64) (low, high int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// DirectChannelName derives the stored name of a direct channel.
func DirectChannelName(a, b int64) string {
	low, high := DirectPair(a, b)
	if low == high {
		return fmt.Sprintf("self-%d", low)
	}
	return fmt.Sprintf("dm-%d-%d", low, high)
}

// UniqueIDs returns the positive ids deduplicated and sorted ascending.
func UniqueIDs(ids ...int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
