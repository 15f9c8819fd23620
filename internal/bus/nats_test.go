package bus

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/stuffwatch/internal/alert"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/rs/zerolog"
)

func TestNATS_PublishSubscribe(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	sub, err := NewSubscriber(srv.ClientURL(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewSubscriber() error = %v", err)
	}
	t.Cleanup(sub.Close)

	got := make(chan alert.Alarm, 4)
	if _, err := sub.Subscribe("stuffwatch.alarms", func(a alert.Alarm) { got <- a }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := sub.Conn.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	pub, err := NewPublisher(srv.ClientURL(), "stuffwatch.alarms")
	if err != nil {
		t.Fatalf("NewPublisher() error = %v", err)
	}
	t.Cleanup(pub.Close)

	// Malformed payloads are skipped by the subscriber.
	if err := pub.Conn.Publish("stuffwatch.alarms", []byte("{broken")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	want := alert.Alarm{
		Feed:      "kitchen",
		SessionID: "s-1",
		At:        time.Date(2026, 7, 4, 10, 30, 0, 0, time.UTC),
		Baseline:  3,
		Smoothed:  0.4,
	}
	if err := pub.Deliver(context.Background(), want); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	select {
	case a := <-got:
		if a.Feed != want.Feed || a.SessionID != want.SessionID || a.Baseline != want.Baseline ||
			a.Smoothed != want.Smoothed || !a.At.Equal(want.At) {
			t.Errorf("received %+v, want %+v", a, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alarm received")
	}

	select {
	case a := <-got:
		t.Errorf("unexpected extra alarm %+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}
