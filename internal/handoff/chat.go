package handoff

import (
	"context"
	"fmt"
	"strings"

	"github.com/yegors/co-desk/internal/history"
	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/internal/notify"
	"github.com/yegors/co-desk/internal/relay"
	"github.com/yegors/co-desk/pkg/logger"
)

// DefaultAgentName derives a display name when the agent client sends none
func DefaultAgentName(agentID string) string {
	short := agentID
	if len(short) > 4 {
		short = short[:4]
	}
	return "Agent " + short
}

// AttachUser connects the user's chat channel to the ticket.
// If the agent is already there the ticket becomes active.
func (s *Service) AttachUser(ctx context.Context, sessionID string, ch relay.Channel) error {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == model.StatusClosed {
		return fmt.Errorf("%w: session %s is closed", ErrInvalidTransition, sessionID)
	}

	if s.conns.AttachUser(sessionID, ch) {
		agentID, agentName, _ := s.conns.AgentOf(sessionID)
		s.activate(ctx, sess, agentID, agentName)
		return nil
	}

	if pos, ok, err := s.queue.PositionOf(ctx, sessionID); err == nil && ok {
		s.sendToUser(sessionID, model.Event{
			Type:      model.EventSystem,
			Content:   fmt.Sprintf(s.phrasesFor(sess.Language).queuePosition, pos),
			Timestamp: s.now(),
		})
	}
	return nil
}

// AttachAgent connects an agent's channel to the ticket. A waiting ticket is
// assigned to the agent; the agent receives the message log.
func (s *Service) AttachAgent(ctx context.Context, sessionID, agentID, agentName string, ch relay.Channel) error {
	if agentName == "" {
		agentName = DefaultAgentName(agentID)
	}

	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == model.StatusClosed {
		return fmt.Errorf("%w: session %s is closed", ErrInvalidTransition, sessionID)
	}
	if err := s.AssignAgent(ctx, sessionID, agentID, agentName); err != nil {
		return err
	}

	if err := s.presence.MarkOnline(ctx, agentID, agentName); err != nil {
		s.logger.Warn("Failed to mark agent online",
			logger.String("agent_id", agentID),
			logger.Error(err))
	}

	if s.conns.AttachAgent(sessionID, ch, agentID, agentName) {
		s.activate(ctx, sess, agentID, agentName)
	}

	if len(sess.Messages) > 0 {
		s.sendToAgent(sessionID, model.Event{
			Type:      model.EventHistory,
			Messages:  sess.Messages,
			Timestamp: s.now(),
		})
	}

	s.logger.Info("Agent connected",
		logger.String("session_id", sessionID),
		logger.String("agent_id", agentID))
	return nil
}

// activate marks the ticket active once both peers are present and tells the user
func (s *Service) activate(ctx context.Context, sess *model.Session, agentID, agentName string) {
	applied, _, err := s.store.UpdateStatus(ctx, sess.ID, model.StatusActive, nil)
	if err != nil {
		s.logger.Warn("Failed to activate session",
			logger.String("session_id", sess.ID),
			logger.Error(err))
		return
	}
	if applied {
		s.logger.Debug("Session active", logger.String("session_id", sess.ID))
	}

	event := model.Event{
		Type:      model.EventAgentJoined,
		AgentID:   agentID,
		AgentName: agentName,
		Message:   fmt.Sprintf(s.phrasesFor(sess.Language).agentJoined, agentName),
		Timestamp: s.now(),
	}
	s.sendToUser(sess.ID, event)
	s.publish(ctx, notify.ChatTopic(sess.ID), event)
}

// Detach removes a closed connection and tells the remaining peer.
// It never changes the ticket status.
func (s *Service) Detach(ctx context.Context, ch relay.Channel) {
	ep, ok := s.conns.Detach(ch)
	if !ok {
		return
	}
	sessionID, role := ep.SessionID, ep.Role

	lang := ""
	if sess, err := s.store.Get(ctx, sessionID); err == nil {
		lang = sess.Language
	}
	p := s.phrasesFor(lang)

	switch role {
	case model.RoleUser:
		event := model.Event{Type: model.EventUserDisconnected, Message: p.userLeft, Timestamp: s.now()}
		s.sendToAgent(sessionID, event)
		s.publish(ctx, notify.ChatTopic(sessionID), event)

	case model.RoleAgent:
		agentID, agentName := ep.AgentID, ep.AgentName
		if agentName == "" {
			agentName = DefaultAgentName(agentID)
		}
		if err := s.presence.MarkOffline(ctx, agentID); err != nil {
			s.logger.Warn("Failed to mark agent offline",
				logger.String("agent_id", agentID),
				logger.Error(err))
		}
		event := model.Event{
			Type:      model.EventAgentDisconnected,
			AgentID:   agentID,
			AgentName: agentName,
			Message:   fmt.Sprintf(p.agentLeft, agentName),
			Timestamp: s.now(),
		}
		s.sendToUser(sessionID, event)
		s.publish(ctx, notify.ChatTopic(sessionID), event)
	}

	s.logger.Info("Peer disconnected",
		logger.String("session_id", sessionID),
		logger.String("role", string(role)))
}

// UserMessage stores a user's message and relays it to the agent.
// Without an agent the user gets their queue position back.
func (s *Service) UserMessage(ctx context.Context, sessionID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	msg, err := s.store.AppendMessage(ctx, sessionID, model.Message{Role: model.RoleUser, Content: content})
	if err != nil {
		return err
	}

	event := model.Event{Type: model.EventMessage, Role: model.RoleUser, Content: content, Timestamp: msg.Timestamp}
	s.sendToAgent(sessionID, event)
	s.publish(ctx, notify.ChatTopic(sessionID), event)

	if s.conns.IsAgentAttached(sessionID) {
		return nil
	}
	pos, ok, err := s.queue.PositionOf(ctx, sessionID)
	if err != nil || !ok {
		return nil
	}
	lang := ""
	if sess, err := s.store.Get(ctx, sessionID); err == nil {
		lang = sess.Language
	}
	s.sendToUser(sessionID, model.Event{
		Type:      model.EventSystem,
		Content:   fmt.Sprintf(s.phrasesFor(lang).queuePosition, pos),
		Timestamp: s.now(),
	})
	return nil
}

// AgentMessage stores an agent's reply, relays it to the user and mirrors it
// into the user's assistant transcript
func (s *Service) AgentMessage(ctx context.Context, sessionID, agentID, agentName, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	msg, err := s.store.AppendMessage(ctx, sessionID, model.Message{
		Role:     model.RoleAgent,
		Content:  content,
		Metadata: map[string]any{"agent_id": agentID, "agent_name": agentName},
	})
	if err != nil {
		return err
	}

	event := model.Event{
		Type:      model.EventMessage,
		Role:      model.RoleAgent,
		Content:   content,
		AgentName: agentName,
		Timestamp: msg.Timestamp,
	}
	s.sendToUser(sessionID, event)
	s.publish(ctx, notify.ChatTopic(sessionID), event)

	if s.history != nil {
		sess, err := s.store.Get(ctx, sessionID)
		if err == nil && sess.UserID != "" {
			if err := s.history.AddMessage(ctx, sess.UserID, history.RoleAgent, content, map[string]any{"agent_name": agentName}); err != nil {
				s.logger.Warn("Failed to mirror agent reply",
					logger.String("session_id", sessionID),
					logger.Error(err))
			}
		}
	}
	return nil
}

// AgentTyping forwards the agent's typing indicator to the user
func (s *Service) AgentTyping(sessionID, agentName string) {
	s.sendToUser(sessionID, model.Event{
		Type:      model.EventTyping,
		Actor:     string(model.RoleAgent),
		AgentName: agentName,
		Timestamp: s.now(),
	})
}

// UserTyping forwards the user's typing indicator to the agent
func (s *Service) UserTyping(sessionID string) {
	s.sendToAgent(sessionID, model.Event{
		Type:      model.EventTyping,
		Actor:     string(model.RoleUser),
		Timestamp: s.now(),
	})
}

// AgentClose ends the ticket from the agent's side
func (s *Service) AgentClose(ctx context.Context, sessionID, resolution string) error {
	return s.CloseSession(ctx, sessionID, resolution, nil)
}

func (s *Service) sendToUser(sessionID string, event model.Event) {
	if err := s.conns.SendToUser(sessionID, event); err != nil {
		s.logger.Debug("Failed to send to user",
			logger.String("session_id", sessionID),
			logger.String("type", event.Type),
			logger.Error(err))
	}
}

func (s *Service) sendToAgent(sessionID string, event model.Event) {
	if err := s.conns.SendToAgent(sessionID, event); err != nil {
		s.logger.Debug("Failed to send to agent",
			logger.String("session_id", sessionID),
			logger.String("type", event.Type),
			logger.Error(err))
	}
}
