package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/cognoxlabs/sofia/internal/convo"
)

// handleListConversations returns all conversations, newest first.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.store.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if conversations == nil {
		conversations = []convo.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": conversations})
}

// handleConversationMessages returns a conversation's log in seq
// order. ?limit=N keeps only the most recent N.
func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	messages, err := s.store.History(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, convo.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = []convo.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

// handleSchedulingSlots exposes the availability the assistant offers.
func (s *Server) handleSchedulingSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := s.slots.AvailableSlots(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if slots == nil {
		slots = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"slots": slots})
}
