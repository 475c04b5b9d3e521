package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/co-desk/pkg/logger"
)

type pendingActionRequest struct {
	ActionType string         `json:"action_type"`
	Params     map[string]any `json:"action_params"`
}

// SetPendingAction parks an action that the user has to confirm with the returned token
func (h *Handler) SetPendingAction(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var body pendingActionRequest
	if !h.decode(w, r, &body) {
		return
	}
	if body.ActionType == "" {
		http.Error(w, "action_type is required", http.StatusBadRequest)
		return
	}

	ttl := time.Duration(h.config.Handoff.PendingActionTTLSeconds) * time.Second
	token, err := h.gate.SetPendingAction(r.Context(), userID, body.ActionType, body.Params, ttl)
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{
		"user_id":            userID,
		"confirmation_token": token,
	})
}

// GetPendingAction returns what the user is being asked to confirm
func (h *Handler) GetPendingAction(w http.ResponseWriter, r *http.Request) {
	action, err := h.gate.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if action == nil {
		http.Error(w, "nothing pending", http.StatusNotFound)
		return
	}
	WriteJSON(w, http.StatusOK, action)
}

type confirmRequest struct {
	Token string `json:"confirmation_token"`
}

// ConfirmPendingAction checks the token and consumes the action on success
func (h *Handler) ConfirmPendingAction(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var body confirmRequest
	if !h.decode(w, r, &body) {
		return
	}

	action, err := h.gate.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	ok, err := h.gate.Confirm(r.Context(), userID, body.Token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !ok {
		WriteJSON(w, http.StatusOK, map[string]any{"confirmed": false})
		return
	}

	if _, err := h.gate.Clear(r.Context(), userID); err != nil {
		h.logger.Warn("Failed to clear confirmed action",
			logger.String("user_id", userID),
			logger.Error(err))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"confirmed": true, "action": action})
}

// CancelPendingAction drops whatever the user was asked to confirm
func (h *Handler) CancelPendingAction(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.gate.Clear(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}
