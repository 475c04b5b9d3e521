// Package pending holds short-lived per-user actions awaiting a yes/no answer.
//
// A user has two independent slots: the handoff confirmation offered after an
// unhelpful answer, and a generic action (order cancellation, address change)
// confirmed with a token. Both expire through Redis TTLs.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yegors/co-desk/internal/id"
	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/pkg/logger"
)

// ActionHandoff is the action type of a handoff confirmation
const ActionHandoff = "handoff_confirmation"

const (
	DefaultHandoffTTL = 10 * time.Minute
	DefaultActionTTL  = 5 * time.Minute
)

// HandoffPayload is what a confirmed handoff needs to create the session
type HandoffPayload struct {
	OriginalQuery     string `json:"original_query"`
	RewrittenQuery    string `json:"contextualized_query"`
	DraftAnswer       string `json:"ai_response"`
	SupportingContext string `json:"context"`
}

// Action is a pending action as stored in either slot
type Action struct {
	ActionID          string          `json:"action_id,omitempty"`
	ActionType        string          `json:"action_type"`
	UserID            string          `json:"user_id"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	Data              *HandoffPayload `json:"data,omitempty"`
	ActionParams      map[string]any  `json:"action_params,omitempty"`
	ConfirmationToken string          `json:"confirmation_token,omitempty"`
}

// IsHandoff reports whether the action is a handoff confirmation
func (a *Action) IsHandoff() bool {
	return a != nil && a.ActionType == ActionHandoff
}

// Gate stores pending actions in Redis
type Gate struct {
	rdb    redis.UniversalClient
	prefix string
	logger *logger.Logger
	now    func() time.Time
}

// NewGate creates a gate
func NewGate(rdb redis.UniversalClient, prefix string, log *logger.Logger) *Gate {
	return &Gate{
		rdb:    rdb,
		prefix: prefix,
		logger: log.Named("pending"),
		now:    time.Now,
	}
}

func (g *Gate) handoffKey(userID string) string { return g.prefix + "pending_handoff:" + userID }
func (g *Gate) actionKey(userID string) string  { return g.prefix + "pending_action:" + userID }

// CreateHandoffConfirmation opens the handoff slot and returns the action ID.
// An existing offer for the same user is replaced.
func (g *Gate) CreateHandoffConfirmation(ctx context.Context, userID string, payload HandoffPayload, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultHandoffTTL
	}
	now := g.now().UTC()
	expires := now.Add(ttl)
	action := Action{
		ActionID:   id.Session(),
		ActionType: ActionHandoff,
		UserID:     userID,
		CreatedAt:  now,
		ExpiresAt:  &expires,
		Data:       &payload,
	}
	if err := g.put(ctx, g.handoffKey(userID), action, ttl); err != nil {
		return "", err
	}

	g.logger.Info("Handoff confirmation pending",
		logger.String("user_id", userID),
		logger.String("action_id", action.ActionID),
		logger.Duration("ttl", ttl))
	return action.ActionID, nil
}

// SetPendingAction opens the generic slot and returns its confirmation token
func (g *Gate) SetPendingAction(ctx context.Context, userID, actionType string, params map[string]any, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultActionTTL
	}
	action := Action{
		ActionType:        actionType,
		UserID:            userID,
		CreatedAt:         g.now().UTC(),
		ActionParams:      params,
		ConfirmationToken: id.Token(),
	}
	if err := g.put(ctx, g.actionKey(userID), action, ttl); err != nil {
		return "", err
	}
	return action.ConfirmationToken, nil
}

func (g *Gate) put(ctx context.Context, key string, action Action, ttl time.Duration) error {
	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to encode pending action: %w", err)
	}
	if err := g.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set pending action (key=%s): %v", model.ErrStoreUnavailable, key, err)
	}
	return nil
}

// Get returns the user's pending action, handoff slot first, or nil when none is pending
func (g *Gate) Get(ctx context.Context, userID string) (*Action, error) {
	for _, key := range []string{g.handoffKey(userID), g.actionKey(userID)} {
		raw, err := g.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: get pending action (key=%s): %v", model.ErrStoreUnavailable, key, err)
		}

		var action Action
		if err := json.Unmarshal(raw, &action); err != nil {
			g.logger.Warn("Discarding undecodable pending action",
				logger.String("key", key),
				logger.Error(err))
			continue
		}
		return &action, nil
	}
	return nil, nil
}

// TakeHandoff removes and returns the user's handoff confirmation in one
// step. Of several concurrent callers only one gets the action; the others
// get nil.
func (g *Gate) TakeHandoff(ctx context.Context, userID string) (*Action, error) {
	key := g.handoffKey(userID)
	raw, err := g.rdb.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: take pending handoff (key=%s): %v", model.ErrStoreUnavailable, key, err)
	}

	var action Action
	if err := json.Unmarshal(raw, &action); err != nil {
		g.logger.Warn("Discarding undecodable pending action",
			logger.String("key", key),
			logger.Error(err))
		return nil, nil
	}
	return &action, nil
}

// RestoreHandoff puts back a taken handoff confirmation for the rest of its
// lifetime. A newer offer made in the meantime is kept.
func (g *Gate) RestoreHandoff(ctx context.Context, action *Action) error {
	if !action.IsHandoff() || action.ExpiresAt == nil {
		return nil
	}
	ttl := action.ExpiresAt.Sub(g.now())
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to encode pending action: %w", err)
	}
	key := g.handoffKey(action.UserID)
	if err := g.rdb.SetNX(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("%w: restore pending handoff (key=%s): %v", model.ErrStoreUnavailable, key, err)
	}
	return nil
}

// IsAwaitingHandoff reports whether a handoff confirmation is pending for the user
func (g *Gate) IsAwaitingHandoff(ctx context.Context, userID string) (bool, error) {
	action, err := g.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return action.IsHandoff(), nil
}

// Confirm validates a confirmation. A pending handoff needs no token;
// a generic action needs its exact token.
func (g *Gate) Confirm(ctx context.Context, userID, token string) (bool, error) {
	action, err := g.Get(ctx, userID)
	if err != nil || action == nil {
		return false, err
	}
	if action.IsHandoff() {
		return true, nil
	}
	return token != "" && action.ConfirmationToken == token, nil
}

// Clear removes both slots and reports whether anything was pending
func (g *Gate) Clear(ctx context.Context, userID string) (bool, error) {
	n, err := g.rdb.Del(ctx, g.handoffKey(userID), g.actionKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: clear pending action (user=%s): %v", model.ErrStoreUnavailable, userID, err)
	}
	return n > 0, nil
}
