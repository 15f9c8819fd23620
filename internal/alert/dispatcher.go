package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/stuffwatch/internal/clock"
	"github.com/goodtune/stuffwatch/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

const (
	DefaultCooldown      = 10 * time.Second
	DefaultSendTimeout   = time.Second
	DefaultLookupTimeout = time.Second
	DefaultHistorySize   = 64

	defaultFeed = "default"
)

// TargetResolver supplies the recipient for an alarm.
type TargetResolver interface {
	ActiveNotificationTarget(ctx context.Context) (string, bool)
	NotificationTarget(ctx context.Context, sessionID string) (string, bool)
}

// Sender delivers one alert message to one recipient.
type Sender interface {
	Send(ctx context.Context, recipient string) error
}

// TransportFailure is returned when the sender could not deliver the alert.
type TransportFailure struct {
	Recipient string
	Err       error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("alert delivery to %s failed: %v", e.Recipient, e.Err)
}

func (e *TransportFailure) Unwrap() error {
	return e.Err
}

// Config configures a dispatcher.
type Config struct {
	Cooldown      time.Duration
	SendTimeout   time.Duration
	LookupTimeout time.Duration
	HistorySize   int
}

// Dispatcher turns alarms into notifications, at most one per cooldown window.
type Dispatcher struct {
	cfg     Config
	targets TargetResolver
	sender  Sender
	clock   clock.Clock
	logger  zerolog.Logger

	// mu is held for the whole check, lookup, send and update sequence.
	mu         sync.Mutex
	lastAlert  time.Time
	hasAlerted bool

	history *lru.Cache[string, Record]
}

// NewDispatcher creates a dispatcher. Zero config values take the defaults.
func NewDispatcher(cfg Config, targets TargetResolver, sender Sender, clk clock.Clock, logger zerolog.Logger) (*Dispatcher, error) {
	if cfg.Cooldown < 0 {
		return nil, fmt.Errorf("cooldown must not be negative, got %s", cfg.Cooldown)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	history, err := lru.New[string, Record](cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert history: %w", err)
	}

	logger = logger.With().Str("component", "dispatcher").Logger()
	logger.Info().
		Dur("cooldown", cfg.Cooldown).
		Dur("send_timeout", cfg.SendTimeout).
		Int("history_size", cfg.HistorySize).
		Msg("Alert dispatcher initialized")

	return &Dispatcher{
		cfg:     cfg,
		targets: targets,
		sender:  sender,
		clock:   clk,
		logger:  logger,
		history: history,
	}, nil
}

// OnAlarm dispatches a notification for alarm unless the cooldown window is
// still open or nobody is watching. It reports whether a message was sent.
func (d *Dispatcher) OnAlarm(ctx context.Context, alarm Alarm) (bool, error) {
	if alarm.Feed == "" {
		alarm.Feed = defaultFeed
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	log := d.logger.With().Str("feed", alarm.Feed).Str("session_id", alarm.SessionID).Logger()

	if d.hasAlerted && now.Sub(d.lastAlert) <= d.cfg.Cooldown {
		log.Info().
			Dur("since_last", now.Sub(d.lastAlert)).
			Msg("Alert suppressed by cooldown")
		d.record(alarm, OutcomeSuppressed, "", now, nil)
		return false, nil
	}

	recipient, ok := d.resolve(ctx, alarm)
	if !ok {
		log.Info().Msg("Alarm raised but no active session to notify")
		d.record(alarm, OutcomeNoTarget, "", now, nil)
		return false, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	err := d.sender.Send(sendCtx, recipient)
	metrics.NotificationDuration.Observe(time.Since(start).Seconds())

	// A failed send consumes the window too.
	d.lastAlert = now
	d.hasAlerted = true

	if err != nil {
		log.Error().Err(err).Str("recipient", recipient).Msg("Failed to send alert")
		d.record(alarm, OutcomeFailed, recipient, now, err)
		return false, &TransportFailure{Recipient: recipient, Err: err}
	}

	log.Info().Str("recipient", recipient).Msg("Alert sent")
	d.record(alarm, OutcomeSent, recipient, now, nil)
	return true, nil
}

// resolve prefers the session carried by the alarm and falls back to the most
// recent active session.
func (d *Dispatcher) resolve(ctx context.Context, alarm Alarm) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.LookupTimeout)
	defer cancel()

	if alarm.SessionID != "" {
		if email, ok := d.targets.NotificationTarget(ctx, alarm.SessionID); ok {
			return email, true
		}
		d.logger.Debug().Str("session_id", alarm.SessionID).Msg("Alarm session not active, falling back")
	}
	return d.targets.ActiveNotificationTarget(ctx)
}

func (d *Dispatcher) record(alarm Alarm, outcome Outcome, recipient string, at time.Time, err error) {
	metrics.AlertsTotal.WithLabelValues(string(outcome)).Inc()

	rec := Record{
		Feed:      alarm.Feed,
		SessionID: alarm.SessionID,
		Outcome:   outcome,
		Recipient: recipient,
		At:        at,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	d.history.Add(alarm.Feed, rec)
}

// Records returns the latest outcome per feed, newest first.
func (d *Dispatcher) Records() []Record {
	keys := d.history.Keys()
	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		if rec, ok := d.history.Peek(key); ok {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].At.After(records[j].At)
	})
	return records
}
