package types

import (
	"encoding/json"
	"time"
)

// Message is the stored message record. It is never sent to clients as is, see MessageView.
type Message struct {
	Id                  string    `json:"id"`
	RoomId              string    `json:"roomId"`
	SenderId            string    `json:"senderId"`
	Seq                 int64     `json:"seq"` // per room, strictly increasing in creation order
	Content             string    `json:"content"`
	IsEdited            bool      `json:"isEdited"`
	IsAnonymous         bool      `json:"isAnonymous"`
	AnonymousIdentityId string    `json:"anonymousIdentityId,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// AnonymousIdentity is the alias of one user in one room.
type AnonymousIdentity struct {
	Id         string    `json:"id"`
	UserId     string    `json:"userId"`
	RoomId     string    `json:"roomId"`
	AliasName  string    `json:"aliasName"`
	AvatarSeed string    `json:"avatarSeed"`
	CreatedAt  time.Time `json:"createdAt"`
}

// MessageView is the projection of a message sent to clients. For anonymous messages the sender is the alias
// identity with an empty id.
type MessageView struct {
	Id          string    `json:"id"`
	RoomId      string    `json:"roomId"`
	Content     string    `json:"content"`
	Sender      Identity  `json:"sender"`
	IsEdited    bool      `json:"isEdited"`
	IsAnonymous bool      `json:"isAnonymous"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MessageList is the result of listing the messages of a room.
type MessageList struct {
	Messages []*MessageView `json:"messages"`
	RoomId   string         `json:"roomId"`
	ChatType RoomType       `json:"chatType"`
}

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket connection
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}
