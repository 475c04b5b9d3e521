package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/yegors/co-desk/internal/config"
	"github.com/yegors/co-desk/internal/handoff"
	"github.com/yegors/co-desk/internal/history"
	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/internal/pending"
	"github.com/yegors/co-desk/internal/storage/sqlite"
	"github.com/yegors/co-desk/internal/websocket"
	"github.com/yegors/co-desk/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Handler contains the API handlers
type Handler struct {
	service         *handoff.Service
	feedbackStorage *sqlite.FeedbackStorage
	historyManager  *history.Manager
	gate            *pending.Gate
	wsServer        *websocket.Server
	redis           redis.UniversalClient
	config          *config.Config
	logger          *logger.Logger
}

// NewHandler creates a new API handler. feedbackStorage may be nil, the
// feedback endpoints then answer 503.
func NewHandler(service *handoff.Service, feedbackStorage *sqlite.FeedbackStorage, historyManager *history.Manager, gate *pending.Gate, wsServer *websocket.Server, rdb redis.UniversalClient, config *config.Config, logger *logger.Logger) *Handler {
	return &Handler{
		service:         service,
		feedbackStorage: feedbackStorage,
		historyManager:  historyManager,
		gate:            gate,
		wsServer:        wsServer,
		redis:           rdb,
		config:          config,
		logger:          logger.Named("api-handler"),
	}
}

// GetHealth reports whether the shared store answers
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.redis.Ping(r.Context()).Err(); err != nil {
		h.logger.Warn("Health check failed", logger.Error(err))
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  "store unavailable",
		})
		return
	}

	queueLength, err := h.service.QueueLength(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"queue_length": queueLength,
		"dashboards":   h.wsServer.ClientCount(),
	})
}

type decisionRequest struct {
	Decision handoff.Decision `json:"decision"`
	handoff.Request
}

// HandleDecision applies the answer pipeline's handoff verdict for one turn
func (h *Handler) HandleDecision(w http.ResponseWriter, r *http.Request) {
	var body decisionRequest
	if !h.decode(w, r, &body) {
		return
	}
	if body.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	switch body.Decision {
	case handoff.DecisionNone, handoff.DecisionOffer, handoff.DecisionDirect, "":
	default:
		http.Error(w, fmt.Sprintf("unknown decision %q", body.Decision), http.StatusBadRequest)
		return
	}

	reply, err := h.service.HandleDecision(r.Context(), body.Decision, body.Request)
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, reply)
}

// HandleInbound checks a user's message against a pending handoff offer
func (h *Handler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	var req handoff.Request
	if !h.decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	reply, handled, err := h.service.HandleInbound(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := map[string]any{"handled": handled}
	if handled {
		response["reply"] = reply
	}
	WriteJSON(w, http.StatusOK, response)
}

// CreateSession opens a ticket without a confirmation step
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req handoff.Request
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.OriginalQuery) == "" && strings.TrimSpace(req.RewrittenQuery) == "" {
		http.Error(w, "original_query is required", http.StatusBadRequest)
		return
	}

	reply, err := h.service.DirectHandoff(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, reply)
}

// GetSession returns a ticket with its message log
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

// GetSessionHistory returns only the message log of a ticket
func (h *Handler) GetSessionHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	sess, err := h.service.Session(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   sess.Messages,
	})
}

type closeRequest struct {
	Resolution string `json:"resolution"`
	Rating     *int   `json:"rating,omitempty"`
}

// CloseSession ends a ticket
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body closeRequest
	if r.ContentLength != 0 && !h.decode(w, r, &body) {
		return
	}
	if body.Rating != nil && (*body.Rating < 1 || *body.Rating > 5) {
		http.Error(w, "rating must be between 1 and 5", http.StatusBadRequest)
		return
	}

	if err := h.service.CloseSession(r.Context(), sessionID, body.Resolution, body.Rating); err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("Closed session via API", logger.String("session_id", sessionID))
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":     "closed",
		"session_id": sessionID,
	})
}

type assignRequest struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
}

// AssignSession hands a waiting ticket to an agent
func (h *Handler) AssignSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body assignRequest
	if !h.decode(w, r, &body) {
		return
	}
	if body.AgentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	if body.AgentName == "" {
		body.AgentName = handoff.DefaultAgentName(body.AgentID)
	}

	if err := h.service.AssignAgent(r.Context(), sessionID, body.AgentID, body.AgentName); err != nil {
		h.writeError(w, err)
		return
	}

	sess, err := h.service.Session(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

// GetQueue lists waiting tickets in pickup order
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.service.Queue(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}

// GetOnlineAgents lists agents with a live heartbeat
func (h *Handler) GetOnlineAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.service.OnlineAgents(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"count":  len(agents),
		"agents": agents,
	})
}

// AgentHeartbeat refreshes an agent's presence from the operator console
func (h *Handler) AgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	name := r.URL.Query().Get("name")
	if name == "" {
		name = handoff.DefaultAgentName(agentID)
	}

	if err := h.service.Heartbeat(r.Context(), agentID, name); err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"agent_id":  agentID,
		"name":      name,
		"last_seen": time.Now().UTC(),
	})
}

// decode reads a JSON body, answering 400 itself when it cannot
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		h.logger.Debug("Rejected request body",
			logger.String("path", r.URL.Path),
			logger.Error(err))
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps domain errors onto HTTP statuses
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrSessionNotFound), errors.Is(err, sqlite.ErrFeedbackNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, model.ErrMalformedEvent), errors.Is(err, sqlite.ErrInvalidRating):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", logger.Error(err))
	}
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
