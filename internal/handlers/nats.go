package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/magsoftware/dispatchbox/internal/registry"
)

// Publisher forwards event payloads to NATS subjects. It owns its connection,
// separate from the worker's database session, per the handler boundary.
type Publisher struct {
	conn *nats.Conn
}

func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &Publisher{conn: nc}, nil
}

// Handler returns a handler publishing the payload verbatim to subject. One
// publisher can back any number of event types, each on its own subject.
func (p *Publisher) Handler(subject string) registry.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		if err := p.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
		return nil
	}
}

func (p *Publisher) Close() {
	p.conn.Close()
}
