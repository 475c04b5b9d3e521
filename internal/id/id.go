// Package id generates identifiers for tickets, messages and pending actions.
package id

import (
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Init initializes the Snowflake node with the given node ID.
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// MessageID returns a time-ordered ID used as the idempotency key of a chat message.
// Falls back to node 0 when Init was never called.
func MessageID() string {
	_ = Init(0)
	if node == nil {
		return uuid.NewString()
	}
	return node.Generate().String()
}

// Session returns a random ticket ID.
func Session() string {
	return uuid.NewString()
}

// Guest returns a generated user ID for anonymous users.
func Guest() string {
	return "guest_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Token returns a short confirmation token.
func Token() string {
	return uuid.NewString()[:8]
}

// TicketNumber is the short uppercase form of a session ID shown to users.
func TicketNumber(sessionID string) string {
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return strings.ToUpper(sessionID)
}
