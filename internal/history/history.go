// Package history keeps each user's recent conversation with the assistant.
// Agents see a compact rendering of it when they pick up a ticket, and agent
// replies are mirrored into it so the assistant can follow up later.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/pkg/logger"
)

// Roles stored in a transcript
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleAgent     = "agent"
)

const (
	DefaultMaxMessages = 50
	DefaultTTL         = 24 * time.Hour

	summaryContentLimit = 100
)

// Entry is one transcript line
type Entry struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	TokenCount int            `json:"token_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Stats counts a transcript by role
type Stats struct {
	TotalMessages     int        `json:"total_messages"`
	UserMessages      int        `json:"user_messages"`
	AssistantMessages int        `json:"bot_messages"`
	AgentMessages     int        `json:"agent_messages"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	LastMessageAt     *time.Time `json:"last_message_at,omitempty"`
}

// Manager stores transcripts as capped Redis lists
type Manager struct {
	rdb         redis.UniversalClient
	prefix      string
	ttl         time.Duration
	maxMessages int64
	logger      *logger.Logger
	now         func() time.Time
}

// NewManager creates a transcript manager
func NewManager(rdb redis.UniversalClient, prefix string, ttl time.Duration, log *logger.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		rdb:         rdb,
		prefix:      prefix,
		ttl:         ttl,
		maxMessages: DefaultMaxMessages,
		logger:      log.Named("history"),
		now:         time.Now,
	}
}

func (m *Manager) key(userID string) string { return m.prefix + "history:" + userID }

// AddMessage appends a line to the user's transcript, keeping the newest DefaultMaxMessages
func (m *Manager) AddMessage(ctx context.Context, userID, role, content string, metadata map[string]any) error {
	entry := Entry{
		Role:       role,
		Content:    content,
		Timestamp:  m.now().UTC(),
		TokenCount: len(content) / 4,
		Metadata:   metadata,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode history entry: %w", err)
	}

	key := m.key(userID)
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.LTrim(ctx, key, -m.maxMessages, -1)
		pipe.Expire(ctx, key, m.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: add history (user=%s): %v", model.ErrStoreUnavailable, userID, err)
	}
	return nil
}

// History returns the user's transcript, oldest first
func (m *Manager) History(ctx context.Context, userID string) ([]Entry, error) {
	raw, err := m.rdb.LRange(ctx, m.key(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: read history (user=%s): %v", model.ErrStoreUnavailable, userID, err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			m.logger.Warn("Skipping undecodable history entry",
				logger.String("user_id", userID),
				logger.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SummaryForAgent renders the last lastN lines of the user's conversation with
// the assistant, one per line with a role marker and HH:MM time. Agent lines are left out.
func (m *Manager) SummaryForAgent(ctx context.Context, userID string, lastN int) (string, error) {
	entries, err := m.History(ctx, userID)
	if err != nil {
		return "", err
	}

	bot := entries[:0]
	for _, e := range entries {
		if e.Role != RoleAgent {
			bot = append(bot, e)
		}
	}
	if lastN > 0 && len(bot) > lastN {
		bot = bot[len(bot)-lastN:]
	}

	lines := make([]string, 0, len(bot))
	for _, e := range bot {
		lines = append(lines, fmt.Sprintf("%s [%s] %s", roleMarker(e.Role), e.Timestamp.Format("15:04"), shorten(e.Content)))
	}
	return strings.Join(lines, "\n"), nil
}

// Stats counts the user's transcript by role
func (m *Manager) Stats(ctx context.Context, userID string) (Stats, error) {
	entries, err := m.History(ctx, userID)
	if err != nil {
		return Stats{}, err
	}

	var st Stats
	st.TotalMessages = len(entries)
	for _, e := range entries {
		switch e.Role {
		case RoleUser:
			st.UserMessages++
		case RoleAssistant:
			st.AssistantMessages++
		case RoleAgent:
			st.AgentMessages++
		}
	}
	if len(entries) > 0 {
		first, last := entries[0].Timestamp, entries[len(entries)-1].Timestamp
		st.StartedAt, st.LastMessageAt = &first, &last
	}
	return st, nil
}

// Clear deletes the user's transcript
func (m *Manager) Clear(ctx context.Context, userID string) error {
	if err := m.rdb.Del(ctx, m.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: clear history (user=%s): %v", model.ErrStoreUnavailable, userID, err)
	}
	return nil
}

func roleMarker(role string) string {
	switch role {
	case RoleUser:
		return "👤"
	case RoleAssistant:
		return "🤖"
	case RoleSystem:
		return "ℹ️"
	default:
		return "💬"
	}
}

func shorten(s string) string {
	if utf8.RuneCountInString(s) <= summaryContentLimit {
		return s
	}
	return string([]rune(s)[:summaryContentLimit]) + "..."
}
