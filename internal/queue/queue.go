// Package queue keeps the waiting support tickets in a Redis list.
// High-priority tickets enter at the head, normal ones at the tail.
package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/yegors/co-desk/internal/model"
	"github.com/yegors/co-desk/pkg/logger"
)

// Queue is the list of waiting session IDs
type Queue struct {
	rdb    redis.UniversalClient
	key    string
	logger *logger.Logger
}

// New creates a queue stored under prefix + "queue"
func New(rdb redis.UniversalClient, prefix string, log *logger.Logger) *Queue {
	return &Queue{
		rdb:    rdb,
		key:    prefix + "queue",
		logger: log.Named("queue"),
	}
}

// Enqueue adds a session. High priority goes to the head (LIFO among high),
// normal priority to the tail (FIFO among normal).
func (q *Queue) Enqueue(ctx context.Context, sessionID string, priority model.Priority) error {
	var err error
	if priority == model.PriorityHigh {
		err = q.rdb.LPush(ctx, q.key, sessionID).Err()
	} else {
		err = q.rdb.RPush(ctx, q.key, sessionID).Err()
	}
	if err != nil {
		return fmt.Errorf("%w: enqueue (session=%s): %v", model.ErrStoreUnavailable, sessionID, err)
	}

	q.logger.Debug("Session enqueued",
		logger.String("session_id", sessionID),
		logger.String("priority", string(priority)))
	return nil
}

// Dequeue removes every occurrence of the session and returns how many were removed
func (q *Queue) Dequeue(ctx context.Context, sessionID string) (int64, error) {
	n, err := q.rdb.LRem(ctx, q.key, 0, sessionID).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: dequeue (session=%s): %v", model.ErrStoreUnavailable, sessionID, err)
	}
	return n, nil
}

// List returns the waiting session IDs from head to tail
func (q *Queue) List(ctx context.Context) ([]string, error) {
	ids, err := q.rdb.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list queue: %v", model.ErrStoreUnavailable, err)
	}
	return ids, nil
}

// PositionOf returns the 1-based position of the session, or false when it is not queued
func (q *Queue) PositionOf(ctx context.Context, sessionID string) (int, bool, error) {
	ids, err := q.List(ctx)
	if err != nil {
		return 0, false, err
	}
	for i, id := range ids {
		if id == sessionID {
			return i + 1, true, nil
		}
	}
	return 0, false, nil
}

// Len returns the number of waiting sessions
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: queue length: %v", model.ErrStoreUnavailable, err)
	}
	return int(n), nil
}
