package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/sessions"

	"github.com/comigor/chatbot/internal/chat"
	"github.com/comigor/chatbot/internal/history"
	"github.com/comigor/chatbot/internal/logger"
	"github.com/comigor/chatbot/internal/session"
	"github.com/comigor/chatbot/internal/turn"
)

// inputField is the form field the chat page posts.
const inputField = "inputfirst"

type pageResponse struct {
	chat.Page
	Error string `json:"error,omitempty"`
}

type submitRequest struct {
	Input string `json:"input"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loadState reads the session cookie. An unreadable cookie (bad signature,
// rotated secret) is treated as an empty session.
func (s *Server) loadState(r *http.Request) (*sessions.Session, session.State) {
	sess, err := s.cookies.Get(r, s.cookieName)
	if err != nil {
		logger.L.Debug("discarding unreadable session cookie", "error", err)
	}
	var st session.State
	if id, ok := sess.Values[conversationKey].(string); ok {
		st.ConversationID = id
	}
	return sess, st
}

func (s *Server) saveState(w http.ResponseWriter, r *http.Request, sess *sessions.Session, st session.State) {
	if st.Bound() {
		sess.Values[conversationKey] = st.ConversationID
	} else {
		delete(sess.Values, conversationKey)
	}
	if err := sess.Save(r, w); err != nil {
		logger.L.Error("failed to save session", "error", err)
	}
}

// handleView handles GET /
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	sess, st := s.loadState(r)

	page, st, err := s.svc.View(r.Context(), st)
	if err != nil {
		logger.L.Error("view conversation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.saveState(w, r, sess, st)
	writeJSON(w, http.StatusOK, pageResponse{Page: page})
}

func readInput(r *http.Request) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", err
		}
		return req.Input, nil
	}
	return r.FormValue(inputField), nil
}

// handleSubmit handles POST /
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	input, err := readInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, st := s.loadState(r)
	page, st, err := s.svc.Submit(r.Context(), st, input)

	var cerr *turn.CompletionError
	switch {
	case err == nil:
		s.saveState(w, r, sess, st)
		writeJSON(w, http.StatusOK, pageResponse{Page: page})
	case errors.As(err, &cerr):
		s.saveState(w, r, sess, st)
		writeJSON(w, http.StatusBadGateway, pageResponse{Page: page, Error: "the assistant could not answer, please try again"})
	default:
		logger.L.Error("submit turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleReset handles DELETE /
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, st := s.loadState(r)
	s.saveState(w, r, sess, s.svc.Reset(st))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListConversations handles GET /api/conversations
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.conversations.ListConversations(r.Context())
	if err != nil {
		logger.L.Error("list conversations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

// handleListMessages handles GET /api/conversations/{id}/messages
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.conversations.GetConversation(r.Context(), id); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		logger.L.Error("get conversation failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	msgs, err := s.conversations.ListMessages(r.Context(), id)
	if err != nil {
		logger.L.Error("list messages failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, chat.Page{ConversationID: id, Messages: msgs})
}

// handleDeleteConversation handles DELETE /api/conversations/{id}. Sessions
// still bound to the conversation get a new one on their next request.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.conversations.DeleteConversation(r.Context(), id); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		logger.L.Error("delete conversation failed", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
