package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/messages"
	"github.com/tcriess/lightspeed-rooms/room"
	"github.com/tcriess/lightspeed-rooms/types"
	"github.com/tcriess/lightspeed-rooms/users"
	"github.com/tcriess/lightspeed-rooms/ws"
)

type contextKey int

const userKey contextKey = iota

// Server is the request/response surface of the chat.
type Server struct {
	directory *room.Directory
	store     *messages.Store
	users     *users.Service
	verifier  ws.Verifier
	logger    hclog.Logger
}

func NewServer(directory *room.Directory, store *messages.Store, userService *users.Service, verifier ws.Verifier) *Server {
	return &Server{
		directory: directory,
		store:     store,
		users:     userService,
		verifier:  verifier,
		logger:    globals.AppLogger.Named("api"),
	}
}

// Router returns the routes of the api. wsHandler (optional) is mounted at /ws.
func (s *Server) Router(wsHandler http.Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/api/register", s.register).Methods(http.MethodPost)
	router.HandleFunc("/api/login", s.login).Methods(http.MethodPost)
	router.HandleFunc("/api/anonymous-avatar", s.anonymousAvatar).Methods(http.MethodGet)

	authed := router.PathPrefix("/api").Subrouter()
	authed.Use(s.authenticate)
	authed.HandleFunc("/chats", s.listChats).Methods(http.MethodGet)
	authed.HandleFunc("/room/direct", s.createDirect).Methods(http.MethodPost)
	authed.HandleFunc("/room/group", s.createGroup).Methods(http.MethodPost)
	authed.HandleFunc("/room/{roomId}", s.getRoom).Methods(http.MethodGet)
	authed.HandleFunc("/messages", s.sendMessage).Methods(http.MethodPost)
	authed.HandleFunc("/messages/{roomId}", s.listMessages).Methods(http.MethodGet)
	authed.HandleFunc("/messages/{messageId}", s.editMessage).Methods(http.MethodPut)
	authed.HandleFunc("/messages/{messageId}", s.deleteMessage).Methods(http.MethodDelete)
	authed.HandleFunc("/users/search", s.searchUsers).Methods(http.MethodGet)
	authed.HandleFunc("/users/{userId}/block", s.blockUser).Methods(http.MethodPost)
	authed.HandleFunc("/users/{userId}/block", s.unblockUser).Methods(http.MethodDelete)

	if wsHandler != nil {
		router.Handle("/ws", wsHandler).Methods(http.MethodGet)
	}
	return router
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		header := r.Header.Get("Authorization")
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			token = strings.TrimSpace(header[7:])
		}
		user, err := s.verifier.Verify(r.Context(), token, r.Header.Get("X-Auth-Provider"))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func currentUser(r *http.Request) *types.User {
	user, _ := r.Context().Value(userKey).(*types.User)
	return user
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func statusOf(kind types.ErrorKind) int {
	switch kind {
	case types.KindInvalidArgument:
		return http.StatusBadRequest
	case types.KindPermissionDenied:
		return http.StatusForbidden
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := types.KindOf(err)
	if kind == types.KindInternal {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, statusOf(kind), errorBody{Error: types.PublicMessage(err), Kind: kind.String()})
}

func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil {
		return types.InvalidArgument("malformed request body")
	}
	return nil
}
