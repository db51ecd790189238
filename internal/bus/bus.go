// Package bus relays realtime events between API nodes so that a broadcast
// reaches sessions connected to any node.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

type Scope string

const (
	ScopeConversation Scope = "conversation"
	ScopeUser         Scope = "user"
	// ScopeEvict removes a user's sessions from a conversation group.
	ScopeEvict Scope = "evict"
)

// Envelope is one broadcast as it travels between nodes.
type Envelope struct {
	Origin string          `json:"origin"`
	Scope  Scope           `json:"scope"`
	Target string          `json:"target"`
	Except string          `json:"except,omitempty"`
	UserID string          `json:"user_id,omitempty"`
	Event  json.RawMessage `json:"event,omitempty"`
	SentAt time.Time       `json:"sent_at"`
}

// Bus publishes envelopes to the other nodes. Subscribe delivers envelopes
// published by other nodes only and blocks until ctx is done.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, handle func(Envelope)) error
	Close() error
}

// Local is the single-node bus: nothing to relay.
type Local struct{}

func (Local) Publish(context.Context, Envelope) error { return nil }

func (Local) Subscribe(ctx context.Context, _ func(Envelope)) error {
	<-ctx.Done()
	return nil
}

func (Local) Close() error { return nil }

func decode(data []byte, nodeID string) (Envelope, bool, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, false, err
	}
	return env, env.Origin != nodeID, nil
}
