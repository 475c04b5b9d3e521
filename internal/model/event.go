package model

import "time"

// Event types exchanged over chat and dashboard channels
const (
	EventMessage           = "message"
	EventTyping            = "typing"
	EventSystem            = "system"
	EventAgentJoined       = "agent_joined"
	EventUserDisconnected  = "user_disconnected"
	EventAgentDisconnected = "agent_disconnected"
	EventChatClosed        = "chat_closed"
	EventQueueUpdate       = "queue_update"
	EventHistory           = "history"
	EventNewSupportRequest = "new_support_request"
)

// Event is the closed set of notifications sent to peers, watchers and dashboards.
// Only the fields relevant to Type are populated.
type Event struct {
	Type      string    `json:"type"`
	Role      Role      `json:"role,omitempty"`
	Content   string    `json:"content,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	AgentName string    `json:"agent_name,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Resolution string    `json:"resolution,omitempty"`
	Count      *int      `json:"count,omitempty"`
	Messages   []Message `json:"messages,omitempty"`

	SessionID string   `json:"session_id,omitempty"`
	Priority  Priority `json:"priority,omitempty"`
	Category  string   `json:"category,omitempty"`
	Language  string   `json:"language,omitempty"`
	Preview   string   `json:"preview,omitempty"`
}

// QueueUpdate builds a queue_update event
func QueueUpdate(count int, now time.Time) Event {
	return Event{Type: EventQueueUpdate, Count: &count, Timestamp: now}
}
