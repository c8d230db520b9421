package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tcriess/lightspeed-rooms/users"
)

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	req := users.RegisterRequest{}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.users.Register(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}{}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	login := req.Email
	if login == "" {
		login = req.Username
	}
	session, err := s.users.Login(login, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) listChats(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.directory.ListRoomsForUser(currentUser(r).Id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) createDirect(w http.ResponseWriter, r *http.Request) {
	req := struct {
		UserId string `json:"userId"`
	}{}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	room, created, err := s.directory.CreateDirect(currentUser(r).Id, req.UserId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{"room": room})
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Name        string   `json:"name"`
		Members     []string `json:"members"`
		IsAnonymous bool     `json:"isAnonymous"`
	}{}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	room, err := s.directory.CreateGroup(currentUser(r).Id, req.Name, req.Members, req.IsAnonymous)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"room": room})
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := s.directory.RoomForMember(mux.Vars(r)["roomId"], currentUser(r).Id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"room": room})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	req := struct {
		RoomId      string `json:"roomId"`
		Content     string `json:"content"`
		IsAnonymous bool   `json:"isAnonymous"`
	}{}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.store.Send(req.RoomId, currentUser(r).Id, req.Content, req.IsAnonymous)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(mux.Vars(r)["roomId"], currentUser(r).Id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) editMessage(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Content string `json:"content"`
	}{}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := s.store.Edit(mux.Vars(r)["messageId"], currentUser(r).Id, req.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	messageId := mux.Vars(r)["messageId"]
	_, err := s.store.Delete(messageId, currentUser(r).Id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"messageId": messageId})
}

func (s *Server) searchUsers(w http.ResponseWriter, r *http.Request) {
	res, err := s.users.Search(currentUser(r).Id, r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) blockUser(w http.ResponseWriter, r *http.Request) {
	err := s.users.Block(currentUser(r).Id, mux.Vars(r)["userId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unblockUser(w http.ResponseWriter, r *http.Request) {
	err := s.users.Unblock(currentUser(r).Id, mux.Vars(r)["userId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
