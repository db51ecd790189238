package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/whisper/internal/logger"
)

// NATS relays envelopes over a NATS subject. Every node subscribes without a
// queue group: each broadcast must reach all nodes.
type NATS struct {
	nc      *nats.Conn
	subject string
	nodeID  string
}

func NewNATS(nc *nats.Conn, subject, nodeID string) *NATS {
	return &NATS{nc: nc, subject: subject, nodeID: nodeID}
}

func (b *NATS) Publish(_ context.Context, env Envelope) error {
	env.Origin = b.nodeID
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.subject, payload); err != nil {
		return fmt.Errorf("bus nats publish: %w", err)
	}
	return nil
}

func (b *NATS) Subscribe(ctx context.Context, handle func(Envelope)) error {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		env, remote, err := decode(msg.Data, b.nodeID)
		if err != nil {
			logger.Warnf("bus nats: invalid envelope: %v", err)
			return
		}
		if remote {
			handle(env)
		}
	})
	if err != nil {
		return fmt.Errorf("bus nats subscribe: %w", err)
	}
	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		logger.Warnf("bus nats drain: %v", err)
	}
	return nil
}

func (b *NATS) Close() error {
	return b.nc.Drain()
}
