// Package model holds the domain types shared by the handoff components.
package model

import "time"

// Status is the lifecycle state of a support session
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusAssigned Status = "assigned"
	StatusActive   Status = "active"
	StatusClosed   Status = "closed"
)

// Rank orders statuses along waiting→assigned→active→closed. Unknown statuses rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusWaiting:
		return 1
	case StatusAssigned:
		return 2
	case StatusActive:
		return 3
	case StatusClosed:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool { return s.Rank() > 0 }

// Priority decides where a session enters the queue
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Role identifies the author of a chat message or the side of a connection
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// Message is one entry of a session's append-only log
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Session is one support ticket
type Session struct {
	ID                  string         `json:"session_id"`
	UserID              string         `json:"user_id"`
	Status              Status         `json:"status"`
	Priority            Priority       `json:"priority"`
	Language            string         `json:"language"`
	Category            string         `json:"category"`
	Query               string         `json:"query"`
	ContextPreview      string         `json:"context_preview"`
	ConversationSummary string         `json:"conversation_history"`
	AgentID             string         `json:"agent_id,omitempty"`
	AgentName           string         `json:"agent_name,omitempty"`
	Resolution          string         `json:"resolution,omitempty"`
	Rating              int            `json:"rating,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	AssignedAt          *time.Time     `json:"assigned_at,omitempty"`
	ClosedAt            *time.Time     `json:"closed_at,omitempty"`
	Messages            []Message      `json:"messages"`
	Metadata            map[string]any `json:"metadata"`
}

// Agent is an online support agent as seen by the presence registry
type Agent struct {
	AgentID  string    `json:"agent_id"`
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}
