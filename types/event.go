package types

import "encoding/json"

type EventKind string

// Outbound events, fanned out to all connections subscribed to a room.
const (
	EventMessageReceived EventKind = "message received"
	EventMessageUpdated  EventKind = "message-updated"
	EventMessageDeleted  EventKind = "message-deleted"
	EventUserTyping      EventKind = "user-typing"
	EventUserStopTyping  EventKind = "user-stop-typing"
)

// Outbound events sent only to a single connection.
const (
	EventJoined EventKind = "joined"
	EventError  EventKind = "error"
)

// Inbound events, sent by the clients.
const (
	InboundJoinRoom      = "joinRoom"
	InboundLeaveRoom     = "leaveRoom"
	InboundTyping        = "typing"
	InboundStopTyping    = "stop-typing"
	InboundNewMessage    = "newMessage"
	InboundEditMessage   = "edit-message"
	InboundDeleteMessage = "delete-message"
)

// MessageUpdated is the payload of EventMessageUpdated.
type MessageUpdated struct {
	MessageId  string `json:"messageId"`
	RoomId     string `json:"roomId"`
	NewContent string `json:"newContent"`
}

// TypingPayload is the payload of EventUserTyping and EventUserStopTyping.
type TypingPayload struct {
	RoomId string `json:"roomId"`
	Identity
}

// ErrorPayload is the payload of EventError.
type ErrorPayload struct {
	Event   string `json:"event"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// EncodeEvent returns the wire representation of an event.
func EncodeEvent(kind EventKind, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{
		Event: string(kind),
		Data:  data,
	})
}
