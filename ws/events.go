package ws

import (
	"encoding/json"

	"github.com/mitchellh/mapstructure"
	"github.com/tcriess/lightspeed-rooms/types"
)

type roomPayload struct {
	RoomId string `json:"roomId" mapstructure:"roomId"`
}

type newMessagePayload struct {
	Id          string `mapstructure:"id"`
	RoomId      string `mapstructure:"roomId"`
	Content     string `mapstructure:"content"`
	IsAnonymous bool   `mapstructure:"isAnonymous"`
}

type editMessagePayload struct {
	RoomId     string      `mapstructure:"roomId"`
	MessageId  string      `mapstructure:"messageId"`
	NewContent interface{} `mapstructure:"newContent"` // the content string or a message object with a content field
}

type deleteMessagePayload struct {
	RoomId    string `mapstructure:"roomId"`
	MessageId string `mapstructure:"messageId"`
}

// decodePayload decodes the event data into target. A bare string is stored in the field named by stringField.
func decodePayload(data json.RawMessage, target interface{}, stringField string) error {
	if len(data) == 0 {
		return nil
	}
	var v interface{}
	err := json.Unmarshal(data, &v)
	if err != nil {
		return types.InvalidArgument("malformed payload")
	}
	switch value := v.(type) {
	case nil:
		return nil
	case string:
		if stringField == "" {
			return types.InvalidArgument("malformed payload")
		}
		v = map[string]interface{}{stringField: value}
	case map[string]interface{}:
	default:
		return types.InvalidArgument("malformed payload")
	}
	err = mapstructure.WeakDecode(v, target)
	if err != nil {
		return types.InvalidArgument("malformed payload")
	}
	return nil
}

func contentOf(v interface{}) string {
	switch value := v.(type) {
	case string:
		return value
	case map[string]interface{}:
		if content, ok := value["content"].(string); ok {
			return content
		}
	}
	return ""
}

// handleMessage dispatches one inbound event. Failures are reported to this connection only.
func (c *Client) handleMessage(message *types.WebsocketMessage) {
	var err error
	switch message.Event {
	case types.InboundJoinRoom:
		err = c.handleJoin(message.Data)

	case types.InboundLeaveRoom:
		err = c.handleLeave(message.Data)

	case types.InboundTyping:
		err = c.handleTyping(message.Data, true)

	case types.InboundStopTyping:
		err = c.handleTyping(message.Data, false)

	case types.InboundNewMessage:
		err = c.handleNewMessage(message.Data)

	case types.InboundEditMessage:
		err = c.handleEditMessage(message.Data)

	case types.InboundDeleteMessage:
		err = c.handleDeleteMessage(message.Data)

	default:
		err = types.InvalidArgument("unknown event")
	}
	if err != nil {
		c.sendError(message.Event, err)
	}
}

func (c *Client) handleJoin(data json.RawMessage) error {
	p := roomPayload{}
	err := decodePayload(data, &p, "roomId")
	if err != nil {
		return err
	}
	if p.RoomId == "" {
		return types.InvalidArgument("roomId is required")
	}
	ok, err := c.handler.Directory.IsMember(p.RoomId, c.identity.Id)
	if err != nil {
		return err
	}
	if !ok {
		return types.PermissionDenied()
	}
	if c.handler.Hub.Join(c, p.RoomId) {
		c.sendEvent(types.EventJoined, roomPayload{RoomId: p.RoomId})
	}
	return nil
}

func (c *Client) handleLeave(data json.RawMessage) error {
	p := roomPayload{}
	err := decodePayload(data, &p, "roomId")
	if err != nil {
		return err
	}
	if p.RoomId == "" {
		return types.InvalidArgument("roomId is required")
	}
	c.handler.Hub.Leave(c, p.RoomId)
	return nil
}

// handleTyping applies a typing signal to the given room, or to all joined rooms if none is given. The identity
// is always the one of the connection, identity fields in the payload are ignored.
func (c *Client) handleTyping(data json.RawMessage, typing bool) error {
	p := roomPayload{}
	err := decodePayload(data, &p, "roomId")
	if err != nil {
		return err
	}
	roomIds := c.handler.Hub.Rooms(c)
	if p.RoomId != "" {
		joined := false
		for _, roomId := range roomIds {
			if roomId == p.RoomId {
				joined = true
				break
			}
		}
		if !joined {
			return nil
		}
		roomIds = []string{p.RoomId}
	}
	for _, roomId := range roomIds {
		if typing {
			c.handler.Tracker.Typing(roomId, c.identity)
		} else {
			c.handler.Tracker.StopTyping(roomId, c.identity.Id)
		}
	}
	return nil
}

// handleNewMessage sends a message. A payload that carries an id refers to a message that was already sent (and
// published) via the HTTP api, it is not published again.
func (c *Client) handleNewMessage(data json.RawMessage) error {
	p := newMessagePayload{}
	err := decodePayload(data, &p, "")
	if err != nil {
		return err
	}
	if p.Id != "" {
		c.logger.Trace("ignoring echo request for committed message", "message", p.Id)
		return nil
	}
	_, err = c.handler.Store.Send(p.RoomId, c.identity.Id, p.Content, p.IsAnonymous)
	return err
}

func (c *Client) handleEditMessage(data json.RawMessage) error {
	p := editMessagePayload{}
	err := decodePayload(data, &p, "")
	if err != nil {
		return err
	}
	if p.MessageId == "" {
		return types.InvalidArgument("messageId is required")
	}
	_, err = c.handler.Store.Edit(p.MessageId, c.identity.Id, contentOf(p.NewContent))
	return err
}

func (c *Client) handleDeleteMessage(data json.RawMessage) error {
	p := deleteMessagePayload{}
	err := decodePayload(data, &p, "messageId")
	if err != nil {
		return err
	}
	if p.MessageId == "" {
		return types.InvalidArgument("messageId is required")
	}
	_, err = c.handler.Store.Delete(p.MessageId, c.identity.Id)
	return err
}
