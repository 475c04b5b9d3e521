// Package relay maps support sessions to their live user and agent connections.
// It holds no store state: the caller decides what an attach or detach means
// for the session lifecycle.
package relay

import (
	"sync"

	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/pkg/logger"
)

// Channel is one live connection able to receive events
type Channel interface {
	Send(event model.Event) error
	Close() error
}

type agentConn struct {
	ch   Channel
	id   string
	name string
}

// Endpoint is where a channel is registered. Agent fields are empty for user channels.
type Endpoint struct {
	SessionID string
	Role      model.Role
	AgentID   string
	AgentName string
}

// Registry is the in-process connection registry, safe for concurrent use
type Registry struct {
	mu     sync.RWMutex
	users  map[string]Channel
	agents map[string]agentConn
	byChan map[Channel]Endpoint
	logger *logger.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		users:  make(map[string]Channel),
		agents: make(map[string]agentConn),
		byChan: make(map[Channel]Endpoint),
		logger: log.Named("relay"),
	}
}

// AttachUser registers the user's channel for the session, replacing any previous one.
// It reports whether an agent is attached as well.
func (r *Registry) AttachUser(sessionID string, ch Channel) (bothPresent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.users[sessionID]; ok && old != ch {
		delete(r.byChan, old)
	}
	r.users[sessionID] = ch
	r.byChan[ch] = Endpoint{SessionID: sessionID, Role: model.RoleUser}

	_, agentPresent := r.agents[sessionID]
	r.logger.Debug("User attached",
		logger.String("session_id", sessionID),
		logger.Bool("agent_present", agentPresent))
	return agentPresent
}

// AttachAgent registers the agent's channel for the session, replacing any previous one.
// It reports whether the user is attached as well.
func (r *Registry) AttachAgent(sessionID string, ch Channel, agentID, agentName string) (bothPresent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.agents[sessionID]; ok && old.ch != ch {
		delete(r.byChan, old.ch)
	}
	r.agents[sessionID] = agentConn{ch: ch, id: agentID, name: agentName}
	r.byChan[ch] = Endpoint{SessionID: sessionID, Role: model.RoleAgent, AgentID: agentID, AgentName: agentName}

	_, userPresent := r.users[sessionID]
	r.logger.Debug("Agent attached",
		logger.String("session_id", sessionID),
		logger.String("agent_id", agentID),
		logger.Bool("user_present", userPresent))
	return userPresent
}

// Detach removes ch wherever it is registered and returns where it was.
// A channel that was already replaced by a newer attach is ignored and reports ok=false.
func (r *Registry) Detach(ch Channel) (ep Endpoint, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, found := r.byChan[ch]
	if !found {
		return Endpoint{}, false
	}
	delete(r.byChan, ch)

	switch ep.Role {
	case model.RoleUser:
		if r.users[ep.SessionID] == ch {
			delete(r.users, ep.SessionID)
		}
	case model.RoleAgent:
		if a, ok := r.agents[ep.SessionID]; ok && a.ch == ch {
			delete(r.agents, ep.SessionID)
		}
	}
	return ep, true
}

// Lookup returns where ch is registered
func (r *Registry) Lookup(ch Channel) (Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byChan[ch]
	return ep, ok
}

// SendToUser delivers event to the session's user. An absent user is a no-op.
func (r *Registry) SendToUser(sessionID string, event model.Event) error {
	r.mu.RLock()
	ch, ok := r.users[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return ch.Send(event)
}

// SendToAgent delivers event to the session's agent. An absent agent is a no-op.
func (r *Registry) SendToAgent(sessionID string, event model.Event) error {
	r.mu.RLock()
	a, ok := r.agents[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return a.ch.Send(event)
}

// IsAgentAttached reports whether an agent is connected to the session
func (r *Registry) IsAgentAttached(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[sessionID]
	return ok
}

// IsUserAttached reports whether the user is connected to the session
func (r *Registry) IsUserAttached(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[sessionID]
	return ok
}

// AgentOf returns the attached agent's ID and name
func (r *Registry) AgentOf(sessionID string) (agentID, agentName string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[sessionID]
	return a.id, a.name, ok
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChan)
}
