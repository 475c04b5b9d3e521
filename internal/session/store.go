// Package session stores support tickets in Redis.
//
// A ticket is three keys sharing one TTL: a hash of scalar fields, a list
// holding the message log (one JSON document per element) and a set of the
// message IDs already appended. Appends and status transitions run as Lua
// scripts so two peers writing at the same time never lose an update and a
// status never moves backwards.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/yegors/co-desk/internal/id"
	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/pkg/logger"
)

const (
	// DefaultTTL bounds the lifetime of a ticket that is never closed
	DefaultTTL = 3 * time.Hour

	// ChatEndedText is the trailing system message appended on close
	ChatEndedText = "Chat ended"

	contextPreviewLimit = 1000
)

// Summarizer supplies the recent bot conversation of a user
type Summarizer interface {
	SummaryForAgent(ctx context.Context, userID string, lastN int) (string, error)
}

// Options configures a Store
type Options struct {
	Prefix       string        // key prefix, e.g. "codesk:"
	TTL          time.Duration // ticket lifetime, refreshed on every structural write
	SummaryLastN int           // chat-history lines captured at creation
	Summarizer   Summarizer    // optional

	RetryAttempts  int           // append attempts before giving up (default 3)
	RetryBaseDelay time.Duration // first backoff delay, roughly doubled per attempt (default 50ms)
}

// NewSession describes a ticket to create
type NewSession struct {
	Query    string
	Context  string
	UserID   string
	Priority model.Priority
	Language string
	Category string
	Metadata map[string]any
}

// Store is the Redis-backed session store
type Store struct {
	rdb    redis.UniversalClient
	opts   Options
	logger *logger.Logger
	now    func() time.Time
}

// NewStore creates a session store
func NewStore(rdb redis.UniversalClient, opts Options, log *logger.Logger) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SummaryLastN <= 0 {
		opts.SummaryLastN = 15
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 50 * time.Millisecond
	}
	return &Store{
		rdb:    rdb,
		opts:   opts,
		logger: log.Named("session-store"),
		now:    time.Now,
	}
}

func (s *Store) hashKey(sessionID string) string { return s.opts.Prefix + "session:" + sessionID }
func (s *Store) logKey(sessionID string) string  { return s.hashKey(sessionID) + ":messages" }
func (s *Store) idsKey(sessionID string) string  { return s.hashKey(sessionID) + ":msgids" }

func (s *Store) keys(sessionID string) []string {
	return []string{s.hashKey(sessionID), s.logKey(sessionID), s.idsKey(sessionID)}
}

func (s *Store) ttlSeconds() string {
	return strconv.FormatInt(int64(s.opts.TTL/time.Second), 10)
}

// Create stores a new waiting ticket and returns its ID.
// The caller is responsible for queueing it.
func (s *Store) Create(ctx context.Context, ns NewSession) (string, error) {
	sessionID := id.Session()
	userID := ns.UserID
	if userID == "" {
		userID = id.Guest()
	}
	if ns.Priority == "" {
		ns.Priority = model.PriorityNormal
	}

	summary := ""
	if s.opts.Summarizer != nil {
		var err error
		summary, err = s.opts.Summarizer.SummaryForAgent(ctx, userID, s.opts.SummaryLastN)
		if err != nil {
			// A missing sidebar summary must not block the handoff itself
			s.logger.Warn("Failed to load conversation summary",
				logger.String("user_id", userID),
				logger.Error(err))
			summary = ""
		}
	}

	metadata := ns.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}

	now := s.now()
	first := model.Message{
		ID:        id.MessageID(),
		Role:      model.RoleUser,
		Content:   ns.Query,
		Timestamp: now,
	}
	firstJSON, err := json.Marshal(first)
	if err != nil {
		return "", fmt.Errorf("failed to encode initial message: %w", err)
	}

	fields := map[string]any{
		"session_id":           sessionID,
		"user_id":              userID,
		"status":               string(model.StatusWaiting),
		"priority":             string(ns.Priority),
		"language":             ns.Language,
		"category":             ns.Category,
		"query":                ns.Query,
		"context_preview":      truncateRunes(ns.Context, contextPreviewLimit),
		"conversation_history": summary,
		"created_at":           formatTime(now),
		"agent_id":             "",
		"agent_name":           "",
		"assigned_at":          "",
		"closed_at":            "",
		"resolution":           "",
		"rating":               "",
		"metadata":             string(metaJSON),
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.hashKey(sessionID), fields)
		pipe.RPush(ctx, s.logKey(sessionID), string(firstJSON))
		pipe.SAdd(ctx, s.idsKey(sessionID), first.ID)
		for _, key := range s.keys(sessionID) {
			pipe.Expire(ctx, key, s.opts.TTL)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: create session: %v", model.ErrStoreUnavailable, err)
	}

	s.logger.Info("Session created",
		logger.String("session_id", sessionID),
		logger.String("user_id", userID),
		logger.String("priority", string(ns.Priority)),
		logger.String("category", ns.Category))

	return sessionID, nil
}

// Get loads a ticket with its full message log
func (s *Store) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	var (
		hashCmd *redis.MapStringStringCmd
		logCmd  *redis.StringSliceCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		hashCmd = pipe.HGetAll(ctx, s.hashKey(sessionID))
		logCmd = pipe.LRange(ctx, s.logKey(sessionID), 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", model.ErrStoreUnavailable, err)
	}

	fields := hashCmd.Val()
	if len(fields) == 0 {
		return nil, model.ErrSessionNotFound
	}

	sess, err := decodeSession(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}

	raw := logCmd.Val()
	sess.Messages = make([]model.Message, 0, len(raw))
	for _, item := range raw {
		var msg model.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			s.logger.Warn("Skipping undecodable message",
				logger.String("session_id", sessionID),
				logger.Error(err))
			continue
		}
		sess.Messages = append(sess.Messages, msg)
	}

	return sess, nil
}

// Exists reports whether the ticket is present and not expired
func (s *Store) Exists(ctx context.Context, sessionID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.hashKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists: %v", model.ErrStoreUnavailable, err)
	}
	return n == 1, nil
}

var appendScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status == 'closed' then
	return -2
end
if redis.call('SADD', KEYS[3], ARGV[1]) == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
local ttl = tonumber(ARGV[3])
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)
redis.call('EXPIRE', KEYS[3], ttl)
return 1
`)

// AppendMessage atomically appends msg to the ticket's log and returns the stored message.
// msg.ID is the idempotency key: appending the same ID twice stores it once, which makes
// the bounded retry on store errors safe. A closed ticket accepts no more messages.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg model.Message) (model.Message, error) {
	if msg.ID == "" {
		msg.ID = id.MessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return msg, fmt.Errorf("failed to encode message: %w", err)
	}

	var result int64
	err = s.withRetry(ctx, "append message", func() error {
		var runErr error
		result, runErr = appendScript.Run(ctx, s.rdb, s.keys(sessionID), msg.ID, string(payload), s.ttlSeconds()).Int64()
		return runErr
	})
	if err != nil {
		return msg, err
	}

	switch result {
	case -1:
		return msg, model.ErrSessionNotFound
	case -2:
		return msg, fmt.Errorf("%w: session %s is closed", model.ErrInvalidTransition, sessionID)
	case 0:
		s.logger.Debug("Duplicate message ignored",
			logger.String("session_id", sessionID),
			logger.String("message_id", msg.ID))
	}
	return msg, nil
}

var transitionScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
	return {-1, ''}
end
local ranks = {waiting = 1, assigned = 2, active = 3, closed = 4}
local currentRank = ranks[current] or 0
if tonumber(ARGV[2]) <= currentRank then
	return {0, current}
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
for i = 4, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
local ttl = tonumber(ARGV[3])
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)
redis.call('EXPIRE', KEYS[3], ttl)
return {1, ARGV[1]}
`)

// UpdateStatus moves the ticket forward to status and writes the extra fields with it.
// A target at or behind the current status is not applied and is not an error:
// applied reports false and current carries the status left in place.
func (s *Store) UpdateStatus(ctx context.Context, sessionID string, status model.Status, fields map[string]string) (applied bool, current model.Status, err error) {
	if !status.Valid() {
		return false, "", fmt.Errorf("%w: unknown status %q", model.ErrInvalidTransition, status)
	}

	args := []any{string(status), status.Rank(), s.ttlSeconds()}
	for k, v := range fields {
		if k == "status" {
			continue
		}
		args = append(args, k, v)
	}

	res, err := transitionScript.Run(ctx, s.rdb, s.keys(sessionID), args...).Slice()
	if err != nil {
		return false, "", fmt.Errorf("%w: update status: %v", model.ErrStoreUnavailable, err)
	}
	if len(res) != 2 {
		return false, "", fmt.Errorf("unexpected transition result: %v", res)
	}

	code, _ := res[0].(int64)
	cur, _ := res[1].(string)
	switch code {
	case -1:
		return false, "", model.ErrSessionNotFound
	case 0:
		return false, model.Status(cur), nil
	default:
		s.logger.Debug("Session status changed",
			logger.String("session_id", sessionID),
			logger.String("status", string(status)))
		return true, status, nil
	}
}

var closeScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
	return -1
end
if current == 'closed' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'closed')
for i = 4, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('RPUSH', KEYS[2], ARGV[2])
local ttl = tonumber(ARGV[3])
redis.call('EXPIRE', KEYS[1], ttl)
redis.call('EXPIRE', KEYS[2], ttl)
redis.call('EXPIRE', KEYS[3], ttl)
return 1
`)

// Close marks the ticket closed and appends the trailing system message in one
// script, so a ticket is never closed without it.
// Closing an already closed ticket is a no-op and reports closed=false.
func (s *Store) Close(ctx context.Context, sessionID, resolution string, rating *int) (closed bool, err error) {
	now := s.now()
	trailer := model.Message{
		ID:        id.MessageID(),
		Role:      model.RoleSystem,
		Content:   ChatEndedText,
		Timestamp: now,
	}
	payload, err := json.Marshal(trailer)
	if err != nil {
		return false, fmt.Errorf("failed to encode message: %w", err)
	}

	args := []any{trailer.ID, string(payload), s.ttlSeconds(),
		"closed_at", formatTime(now),
		"resolution", resolution,
	}
	if rating != nil {
		args = append(args, "rating", strconv.Itoa(*rating))
	}

	var result int64
	err = s.withRetry(ctx, "close session", func() error {
		var runErr error
		result, runErr = closeScript.Run(ctx, s.rdb, s.keys(sessionID), args...).Int64()
		return runErr
	})
	if err != nil {
		return false, err
	}

	switch result {
	case -1:
		return false, model.ErrSessionNotFound
	case 0:
		return false, nil
	}
	s.logger.Debug("Session status changed",
		logger.String("session_id", sessionID),
		logger.String("status", string(model.StatusClosed)))
	return true, nil
}

// Touch refreshes the TTL of all the ticket's keys
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range s.keys(sessionID) {
			pipe.Expire(ctx, key, s.opts.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: touch: %v", model.ErrStoreUnavailable, err)
	}
	return nil
}

// withRetry runs fn up to RetryAttempts times with exponential backoff.
// Context cancellation stops retrying immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.RetryBaseDelay
	policy.Multiplier = 2

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if errors.Is(err, redis.Nil) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(s.opts.RetryAttempts)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			s.logger.Debug("Store write failed, retrying",
				logger.String("op", op),
				logger.Duration("delay", delay),
				logger.Error(err))
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %s: %v", model.ErrStoreUnavailable, op, ctxErr)
		}
		return fmt.Errorf("%w: %s after %d attempts: %v", model.ErrStoreUnavailable, op, s.opts.RetryAttempts, err)
	}
	return nil
}

func decodeSession(f map[string]string) (*model.Session, error) {
	sess := &model.Session{
		ID:                  f["session_id"],
		UserID:              f["user_id"],
		Status:              model.Status(f["status"]),
		Priority:            model.Priority(f["priority"]),
		Language:            f["language"],
		Category:            f["category"],
		Query:               f["query"],
		ContextPreview:      f["context_preview"],
		ConversationSummary: f["conversation_history"],
		AgentID:             f["agent_id"],
		AgentName:           f["agent_name"],
		Resolution:          f["resolution"],
		Metadata:            map[string]any{},
	}

	var err error
	if sess.CreatedAt, err = parseTime(f["created_at"]); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if v := f["assigned_at"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("assigned_at: %w", err)
		}
		sess.AssignedAt = &t
	}
	if v := f["closed_at"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("closed_at: %w", err)
		}
		sess.ClosedAt = &t
	}
	if v := f["rating"]; v != "" {
		if sess.Rating, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("rating: %w", err)
		}
	}
	if v := f["metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
	}
	return sess, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}
