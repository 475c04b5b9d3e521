// Package presence tracks which agents are online.
//
// Each agent has its own record key with a heartbeat TTL, indexed by a set so
// the online list can be read without scanning the keyspace. Index members
// whose record has expired are pruned on read.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/pkg/logger"
)

// DefaultTTL is the heartbeat window after which an agent counts as offline
const DefaultTTL = 5 * time.Minute

// Registry is the Redis-backed presence registry
type Registry struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *logger.Logger
	now    func() time.Time
}

// NewRegistry creates a presence registry
func NewRegistry(rdb redis.UniversalClient, prefix string, ttl time.Duration, log *logger.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
		logger: log.Named("presence"),
		now:    time.Now,
	}
}

func (r *Registry) agentKey(agentID string) string { return r.prefix + "agent:" + agentID }
func (r *Registry) indexKey() string               { return r.prefix + "agents" }

// MarkOnline records the agent as online and restarts its heartbeat window
func (r *Registry) MarkOnline(ctx context.Context, agentID, name string) error {
	rec, err := json.Marshal(model.Agent{
		AgentID:  agentID,
		Name:     name,
		Status:   "online",
		LastSeen: r.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode agent: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.agentKey(agentID), rec, r.ttl)
		pipe.SAdd(ctx, r.indexKey(), agentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: mark online (agent=%s): %v", model.ErrStoreUnavailable, agentID, err)
	}
	return nil
}

// MarkOffline removes the agent immediately
func (r *Registry) MarkOffline(ctx context.Context, agentID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.agentKey(agentID))
		pipe.SRem(ctx, r.indexKey(), agentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: mark offline (agent=%s): %v", model.ErrStoreUnavailable, agentID, err)
	}

	r.logger.Debug("Agent offline", logger.String("agent_id", agentID))
	return nil
}

// ListOnline returns agents whose heartbeat has not expired. Order is unspecified.
func (r *Registry) ListOnline(ctx context.Context) ([]model.Agent, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list agents: %v", model.ErrStoreUnavailable, err)
	}
	if len(ids) == 0 {
		return []model.Agent{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.agentKey(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: load agents: %v", model.ErrStoreUnavailable, err)
	}

	agents := make([]model.Agent, 0, len(ids))
	var stale []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var a model.Agent
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			r.logger.Warn("Dropping undecodable agent record",
				logger.String("agent_id", ids[i]),
				logger.Error(err))
			stale = append(stale, ids[i])
			continue
		}
		agents = append(agents, a)
	}

	if len(stale) > 0 {
		if err := r.rdb.SRem(ctx, r.indexKey(), stale...).Err(); err != nil {
			r.logger.Warn("Failed to prune stale agents", logger.Error(err))
		}
	}
	return agents, nil
}
