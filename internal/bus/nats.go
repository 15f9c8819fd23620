package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goodtune/stuffwatch/internal/alert"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher sends alarms on a NATS subject.
type Publisher struct {
	Conn    *nats.Conn
	subject string
}

func NewPublisher(url, subject string) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("stuffwatch-watch"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Publisher{Conn: conn, subject: subject}, nil
}

func (p *Publisher) Close() {
	if p.Conn != nil {
		_ = p.Conn.Drain()
		p.Conn.Close()
	}
}

// Deliver implements monitor.AlarmSink. Publishing is fire-and-forget.
func (p *Publisher) Deliver(_ context.Context, alarm alert.Alarm) error {
	data, err := json.Marshal(alarm)
	if err != nil {
		return err
	}
	return p.Conn.Publish(p.subject, data)
}

// Subscriber receives alarms from a NATS subject.
type Subscriber struct {
	Conn   *nats.Conn
	logger zerolog.Logger
}

func NewSubscriber(url string, logger zerolog.Logger) (*Subscriber, error) {
	conn, err := nats.Connect(url, nats.Name("stuffwatch-serve"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Subscriber{
		Conn:   conn,
		logger: logger.With().Str("component", "bus").Logger(),
	}, nil
}

func (s *Subscriber) Close() {
	if s.Conn != nil {
		_ = s.Conn.Drain()
		s.Conn.Close()
	}
}

// Subscribe calls handler for every well-formed alarm on subject. Malformed
// payloads are logged and skipped.
func (s *Subscriber) Subscribe(subject string, handler func(alert.Alarm)) (*nats.Subscription, error) {
	return s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		alarm, err := DecodeAlarm(msg.Data)
		if err != nil {
			s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed alarm")
			return
		}
		handler(alarm)
	})
}

// DecodeAlarm parses an alarm payload.
func DecodeAlarm(data []byte) (alert.Alarm, error) {
	var alarm alert.Alarm
	if err := json.Unmarshal(data, &alarm); err != nil {
		return alert.Alarm{}, fmt.Errorf("decode alarm: %w", err)
	}
	return alarm, nil
}
