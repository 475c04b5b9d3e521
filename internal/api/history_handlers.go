package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/co-desk/internal/history"
)

type historyRequest struct {
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AddHistory appends a line of the assistant conversation to the user's transcript
func (h *Handler) AddHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var body historyRequest
	if !h.decode(w, r, &body) {
		return
	}
	switch body.Role {
	case history.RoleUser, history.RoleAssistant, history.RoleSystem, history.RoleAgent:
	default:
		http.Error(w, "role must be user, assistant, system or agent", http.StatusBadRequest)
		return
	}
	if body.Content == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	if err := h.historyManager.AddMessage(r.Context(), userID, body.Role, body.Content, body.Metadata); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetHistory returns the user's transcript and its counters. With ?summary=N
// it returns the agent-facing rendering of the last N lines instead.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	if v := r.URL.Query().Get("summary"); v != "" {
		lastN, err := strconv.Atoi(v)
		if err != nil || lastN <= 0 {
			http.Error(w, "summary must be a positive integer", http.StatusBadRequest)
			return
		}
		summary, err := h.historyManager.SummaryForAgent(r.Context(), userID, lastN)
		if err != nil {
			h.writeError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"user_id": userID, "summary": summary})
		return
	}

	entries, err := h.historyManager.History(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	stats, err := h.historyManager.Stats(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"messages": entries,
		"stats":    stats,
	})
}

// ClearHistory forgets the user's transcript
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.historyManager.Clear(r.Context(), chi.URLParam(r, "userID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
