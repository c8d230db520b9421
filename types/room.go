package types

import (
	"sort"
	"strings"
	"time"
)

type RoomType string

const (
	RoomTypeDirect         RoomType = "direct"
	RoomTypeGroup          RoomType = "group"
	RoomTypeAnonymousGroup RoomType = "anonymous_group"
)

// Room is a conversation scope. Members and Admins are sets, the order is irrelevant.
type Room struct {
	Id               string    `json:"id"`
	Name             string    `json:"name,omitempty"`
	Type             RoomType  `json:"type"`
	Members          []string  `json:"members"`
	Admins           []string  `json:"admins,omitempty"`
	LastMessageId    *string   `json:"lastMessageId"` // weak reference, nil if the room has no messages
	IsAnonymousWorld bool      `json:"isAnonymousWorld"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (r *Room) IsMember(userId string) bool {
	return containsString(r.Members, userId)
}

func (r *Room) IsAdmin(userId string) bool {
	return containsString(r.Admins, userId)
}

// OtherMember returns the first member that is not userId (the peer in a direct room).
func (r *Room) OtherMember(userId string) string {
	for _, m := range r.Members {
		if m != userId {
			return m
		}
	}
	return ""
}

// DirectKey returns the key identifying the direct room between two users, independent of the order.
func DirectKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// RoomSummary is a room as listed for one user: the display name and avatar depend on the viewer.
type RoomSummary struct {
	Id          string       `json:"id"`
	Name        string       `json:"name"`
	Type        RoomType     `json:"type"`
	IsGroup     bool         `json:"isGroup"`
	AvatarUrl   string       `json:"avatarUrl,omitempty"`
	LastMessage *MessageView `json:"lastMessage"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}
