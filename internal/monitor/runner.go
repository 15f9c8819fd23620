package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/stuffwatch/internal/alert"
	"github.com/goodtune/stuffwatch/internal/clock"
	"github.com/goodtune/stuffwatch/internal/engine"
	"github.com/goodtune/stuffwatch/internal/feed"
	"github.com/goodtune/stuffwatch/internal/metrics"
	"github.com/goodtune/stuffwatch/internal/presence"
	"github.com/rs/zerolog"
)

// deliverTimeout bounds one hand-off to the sink, independent of the loop's context.
const deliverTimeout = 5 * time.Second

// AlarmSink forwards an alarm to the dispatcher.
type AlarmSink interface {
	Deliver(ctx context.Context, alarm alert.Alarm) error
}

// Observer receives the per-frame status of a feed.
type Observer interface {
	Observe(status Status)
}

// Status is the per-frame view of one feed.
type Status struct {
	Feed   string          `json:"feed"`
	Frame  int             `json:"frame"`
	Count  int             `json:"count"`
	Failed bool            `json:"failed"`
	Fired  bool            `json:"fired"`
	At     time.Time       `json:"at"`
	Engine engine.Snapshot `json:"engine"`
}

// Config identifies the feed a runner watches.
type Config struct {
	Feed      string
	SessionID string
}

// Runner drives one feed: source, counter, engine, then an asynchronous
// hand-off of alarms to the sink.
type Runner struct {
	cfg      Config
	source   feed.Source
	counter  *presence.Counter
	engine   *engine.Engine
	sink     AlarmSink
	observer Observer
	clock    clock.Clock
	logger   zerolog.Logger

	alarms  chan alert.Alarm
	rearm   chan struct{}
	stopped atomic.Bool
}

// NewRunner creates a runner. sink and observer may be nil.
func NewRunner(cfg Config, source feed.Source, counter *presence.Counter, eng *engine.Engine, sink AlarmSink, observer Observer, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		source:   source,
		counter:  counter,
		engine:   eng,
		sink:     sink,
		observer: observer,
		clock:    clock.RealClock{},
		logger:   logger.With().Str("component", "monitor").Str("feed", cfg.Feed).Logger(),
		alarms:   make(chan alert.Alarm, 1),
		rearm:    make(chan struct{}, 1),
	}
}

// Run processes frames until the source ends or ctx is cancelled. Alarms
// already handed off are delivered before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.dispatch()
	}()
	defer func() {
		r.stopped.Store(true)
		close(r.alarms)
		wg.Wait()
	}()

	r.logger.Info().Msg("Monitor loop started")

	for {
		frame, err := r.source.Next(ctx)
		switch {
		case err == nil:
			r.processFrame(frame)
		case errors.Is(err, io.EOF):
			r.logger.Info().Msg("Frame source ended")
			return nil
		case ctx.Err() != nil:
			r.logger.Info().Msg("Monitor loop stopped")
			return nil
		default:
			return fmt.Errorf("frame source: %w", err)
		}
	}
}

// processFrame runs one frame through the counter and the engine. It never
// blocks on I/O.
func (r *Runner) processFrame(frame feed.Frame) Status {
	select {
	case <-r.rearm:
		r.engine.Reset()
		r.logger.Info().Msg("Engine re-armed, calibrating a new baseline")
	default:
	}

	feedName := r.cfg.Feed
	metrics.FramesTotal.WithLabelValues(feedName).Inc()

	detections := frame.Detections
	if frame.Failed() {
		metrics.FrameErrors.WithLabelValues(feedName).Inc()
		r.logger.Debug().
			Int("frame", frame.Number).
			Str("detector_error", frame.Error).
			AnErr("decode_error", frame.Err).
			Msg("Unusable frame, counting zero detections")
		detections = nil
	}

	r.counter.ForFrame(frame.Width, frame.Height)
	count := r.counter.Count(detections)
	fired := r.engine.Observe(count)
	snap := r.engine.Snapshot()

	metrics.PresenceCount.WithLabelValues(feedName).Set(float64(count))
	metrics.SmoothedCount.WithLabelValues(feedName).Set(snap.Smoothed)
	metrics.Baseline.WithLabelValues(feedName).Set(float64(snap.Baseline))
	metrics.EngineState.WithLabelValues(feedName).Set(float64(snap.State))

	status := Status{
		Feed:   feedName,
		Frame:  frame.Number,
		Count:  count,
		Failed: frame.Failed(),
		Fired:  fired,
		At:     r.clock.Now().UTC(),
		Engine: snap,
	}

	if snap.Frames == r.engine.Params().CalibrationFrames {
		r.logger.Info().Int("baseline", snap.Baseline).Msg("Baseline locked")
	}

	if fired {
		metrics.AlarmsTotal.WithLabelValues(feedName).Inc()
		r.logger.Warn().
			Int("baseline", snap.Baseline).
			Float64("smoothed", snap.Smoothed).
			Int("drop_frames", snap.DropCounter).
			Msg("Object removal detected")

		r.handoff(alert.Alarm{
			Feed:      feedName,
			SessionID: r.cfg.SessionID,
			At:        status.At,
			Baseline:  snap.Baseline,
			Smoothed:  snap.Smoothed,
		})
	}

	if r.observer != nil {
		r.observer.Observe(status)
	}
	return status
}

// Rearm asks the loop to start a new run, recalibrating the baseline and
// clearing a latched alarm, before it processes the next frame. Safe to call
// from any goroutine.
func (r *Runner) Rearm() {
	select {
	case r.rearm <- struct{}{}:
	default:
	}
}

func (r *Runner) handoff(alarm alert.Alarm) {
	if r.stopped.Load() {
		metrics.AlarmHandoffDropped.WithLabelValues(alarm.Feed).Inc()
		r.logger.Warn().Msg("Monitor loop stopped, dropping alarm")
		return
	}
	select {
	case r.alarms <- alarm:
	default:
		metrics.AlarmHandoffDropped.WithLabelValues(alarm.Feed).Inc()
		r.logger.Warn().Msg("Alarm hand-off full, dropping alarm")
	}
}

func (r *Runner) dispatch() {
	for alarm := range r.alarms {
		if r.sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		err := r.sink.Deliver(ctx, alarm)
		cancel()
		if err != nil {
			metrics.AlarmSinkErrors.WithLabelValues(alarm.Feed).Inc()
			r.logger.Error().Err(err).Msg("Failed to deliver alarm")
			continue
		}
		r.logger.Info().Msg("Alarm delivered")
	}
}
