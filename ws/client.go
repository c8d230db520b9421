package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/types"
)

const defaultSendQueueSize = 256

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id       string
	identity types.Identity
	handler  *Handler

	// The websocket connection, nil in tests.
	conn *websocket.Conn

	// Buffered channel of outbound messages. It is never closed, done signals the end of the client.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	logger    hclog.Logger
}

func newClient(handler *Handler, conn *websocket.Conn, user *types.User) *Client {
	queueSize := handler.SendQueueSize
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	id := uuid.NewString()
	return &Client{
		id:       id,
		identity: user.Identity(),
		handler:  handler,
		conn:     conn,
		send:     make(chan []byte, queueSize),
		done:     make(chan struct{}),
		logger:   handler.logger.With("connection", id, "user", user.Id),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) Identity() types.Identity {
	return c.identity
}

func (c *Client) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close ends the client. It is safe to call it several times and from several goroutines.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// sendEvent queues an event for this connection only.
func (c *Client) sendEvent(kind types.EventKind, payload interface{}) {
	data, err := types.EncodeEvent(kind, payload)
	if err != nil {
		c.logger.Error("could not encode event", "event", kind, "error", err)
		return
	}
	if !c.Enqueue(data) {
		c.logger.Debug("could not queue event", "event", kind)
	}
}

// sendError reports a failed inbound event to this connection only. Internal errors are logged, the client only
// gets a generic message.
func (c *Client) sendError(event string, err error) {
	kind := types.KindOf(err)
	if kind == types.KindInternal {
		c.logger.Error("could not handle event", "event", event, "error", err)
	} else {
		c.logger.Debug("event rejected", "event", event, "error", err)
	}
	c.sendEvent(types.EventError, types.ErrorPayload{
		Event:   event,
		Kind:    kind.String(),
		Message: types.PublicMessage(err),
	})
}

// ReadLoop pumps messages from the websocket connection to the hub.
//
// The application runs ReadLoop in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadLoop() {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("ws closed unexpected", "error", err)
			} else {
				c.logger.Debug("ws closed", "error", err)
			}
			return
		}
		message := types.WebsocketMessage{}
		err = json.Unmarshal(raw, &message)
		if err != nil {
			c.sendError("", types.InvalidArgument("malformed message"))
			continue
		}
		c.handleMessage(&message)
	}
}

// WriteLoop pumps messages from the hub to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Debug("could not write to ws connection, exiting write loop", "error", err)
				return
			}
			if _, err := w.Write(message); err != nil {
				c.logger.Debug("could not write to ws connection, exiting write loop", "error", err)
				return
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("could not send ping message, exiting write loop", "error", err)
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
