package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/co-desk/internal/handoff"
	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/internal/websocket"
	"github.com/yegors/co-desk/pkg/logger"
)

// Inbound chat frame types
const (
	frameMessage = websocket.FrameMessage
	frameTyping  = "typing"
	frameClose   = "close"
)

const detachTimeout = 5 * time.Second

// HandleUserChat connects the user side of a ticket's live chat
func (h *Handler) HandleUserChat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	client, err := h.wsServer.Upgrade(w, r)
	if err != nil {
		return
	}

	// the connection outlives the HTTP handler
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.service.AttachUser(ctx, sessionID, client); err != nil {
		cancel()
		h.rejectChat(client, sessionID, err)
		return
	}

	h.logger.Info("User connected",
		logger.String("session_id", sessionID),
		logger.String("remote_addr", client.RemoteAddr()))

	client.Start(func(c *websocket.Client, frame websocket.Frame) {
		switch frame.Type {
		case frameMessage:
			if err := h.service.UserMessage(ctx, sessionID, frame.Content); err != nil {
				h.messageFailed(c, sessionID, err)
			}
		case frameTyping:
			h.service.UserTyping(sessionID)
		default:
			h.logger.Debug("Ignoring user frame", logger.String("type", frame.Type))
		}
	}, func(c *websocket.Client) {
		cancel()
		h.detach(c)
	})
}

// HandleAgentChat connects an agent to a ticket's live chat. The agent name
// comes from ?name=.
func (h *Handler) HandleAgentChat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	agentID := chi.URLParam(r, "agentID")
	agentName := r.URL.Query().Get("name")
	if agentName == "" {
		agentName = handoff.DefaultAgentName(agentID)
	}

	client, err := h.wsServer.Upgrade(w, r)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := h.service.AttachAgent(ctx, sessionID, agentID, agentName, client); err != nil {
		cancel()
		h.rejectChat(client, sessionID, err)
		return
	}

	go h.heartbeat(ctx, agentID, agentName)

	client.Start(func(c *websocket.Client, frame websocket.Frame) {
		switch frame.Type {
		case frameMessage:
			if err := h.service.AgentMessage(ctx, sessionID, agentID, agentName, frame.Content); err != nil {
				h.messageFailed(c, sessionID, err)
			}
		case frameTyping:
			h.service.AgentTyping(sessionID, agentName)
		case frameClose:
			if err := h.service.AgentClose(ctx, sessionID, frame.Resolution); err != nil {
				h.logger.Error("Failed to close session from chat",
					logger.String("session_id", sessionID),
					logger.Error(err))
				h.notifyFailure(c, err)
				return
			}
			c.Close()
		default:
			h.logger.Debug("Ignoring agent frame", logger.String("type", frame.Type))
		}
	}, func(c *websocket.Client) {
		cancel()
		h.detach(c)
	})
}

// HandleDashboard streams queue and new-ticket notifications to operator dashboards
func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.QueueLength(r.Context())
	if err != nil {
		h.logger.Warn("Failed to read queue length for dashboard", logger.Error(err))
		h.wsServer.HandleDashboard(w, r)
		return
	}
	h.wsServer.HandleDashboard(w, r, model.QueueUpdate(n, time.Now()))
}

// heartbeat keeps a connected agent's presence alive until ctx ends
func (h *Handler) heartbeat(ctx context.Context, agentID, agentName string) {
	interval := h.config.HeartbeatInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.service.Heartbeat(ctx, agentID, agentName); err != nil && ctx.Err() == nil {
				h.logger.Warn("Failed to refresh agent presence",
					logger.String("agent_id", agentID),
					logger.Error(err))
			}
		}
	}
}

func (h *Handler) detach(c *websocket.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	h.service.Detach(ctx, c)
}

func (h *Handler) rejectChat(client *websocket.Client, sessionID string, err error) {
	h.logger.Warn("Rejected chat connection",
		logger.String("session_id", sessionID),
		logger.Error(err))

	switch {
	case errors.Is(err, handoff.ErrSessionNotFound):
		client.Reject(websocket.CloseSessionNotFound, "Session not found")
	case errors.Is(err, handoff.ErrInvalidTransition):
		client.Reject(websocket.CloseSessionClosed, "Session closed")
	default:
		client.Reject(websocket.CloseInternalError, "Try again later")
	}
}

// messageFailed closes the chat if the ticket ended under it, otherwise it
// tells the sender the message was not stored
func (h *Handler) messageFailed(c *websocket.Client, sessionID string, err error) {
	if errors.Is(err, handoff.ErrInvalidTransition) {
		_ = c.CloseWith(websocket.CloseSessionClosed, "Session closed")
		return
	}
	h.logger.Error("Failed to store chat message",
		logger.String("session_id", sessionID),
		logger.Error(err))
	h.notifyFailure(c, err)
}

// notifyFailure tells the sender their frame was not stored
func (h *Handler) notifyFailure(c *websocket.Client, err error) {
	text := "Message not delivered"
	if errors.Is(err, handoff.ErrStoreUnavailable) {
		text = "Message not delivered, please try again"
	}
	_ = c.Send(model.Event{Type: model.EventSystem, Content: text, Timestamp: time.Now()})
}
