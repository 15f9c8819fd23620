package feed

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSSource receives detector frames published on a NATS subject.
type NATSSource struct {
	conn *nats.Conn
	sub  *nats.Subscription
	msgs chan *nats.Msg
}

// NewNATSSource connects to url and subscribes to subject. Frames arriving
// faster than they are consumed queue up to buffer messages; NATS drops the
// rest as a slow consumer.
func NewNATSSource(url, subject string, buffer int) (*NATSSource, error) {
	if buffer <= 0 {
		buffer = 256
	}

	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	msgs := make(chan *nats.Msg, buffer)
	sub, err := conn.ChanSubscribe(subject, msgs)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	if err := conn.Flush(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	return &NATSSource{conn: conn, sub: sub, msgs: msgs}, nil
}

// Next returns the next frame. A NATS stream does not end on its own.
func (s *NATSSource) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case msg := <-s.msgs:
		return Decode(msg.Data), nil
	}
}

// Close unsubscribes and drains the connection.
func (s *NATSSource) Close() error {
	_ = s.sub.Unsubscribe()
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
