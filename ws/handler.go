package ws

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/messages"
	"github.com/tcriess/lightspeed-rooms/presence"
	"github.com/tcriess/lightspeed-rooms/room"
	"github.com/tcriess/lightspeed-rooms/types"
)

// Verifier resolves a bearer token to a user. auth.Authenticator implements it.
type Verifier interface {
	Verify(ctx context.Context, token, provider string) (*types.User, error)
}

// Handler accepts websocket connections and routes their inbound events.
type Handler struct {
	Hub           *Hub
	Directory     *room.Directory
	Store         *messages.Store
	Tracker       *presence.Tracker
	Verifier      Verifier
	SendQueueSize int

	upgrader websocket.Upgrader
	logger   hclog.Logger
}

func NewHandler(hub *Hub, directory *room.Directory, store *messages.Store, tracker *presence.Tracker, verifier Verifier, sendQueueSize int) *Handler {
	return &Handler{
		Hub:           hub,
		Directory:     directory,
		Store:         store,
		Tracker:       tracker,
		Verifier:      verifier,
		SendQueueSize: sendQueueSize,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: globals.AppLogger.Named("ws"),
	}
}

// bearerToken returns the token of the request, either from the token query parameter or from the Authorization
// header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// ServeHTTP authenticates and upgrades the connection, then serves it until it is closed. The cleanup (removal of
// all subscriptions, stop of the typing state) runs exactly once, whichever side closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, err := h.Verifier.Verify(r.Context(), bearerToken(r), r.URL.Query().Get("provider"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade error", "error", err)
		return
	}

	c := newClient(h, conn, user)
	c.logger.Debug("client connected")
	defer func() {
		c.Close()
		h.Hub.Disconnect(c)
		c.logger.Debug("client disconnected")
	}()
	go c.WriteLoop()
	c.ReadLoop()
}
