package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/stuffwatch/internal/bus"
	"github.com/goodtune/stuffwatch/internal/config"
	"github.com/goodtune/stuffwatch/internal/metrics"
	"github.com/goodtune/stuffwatch/internal/monitor"
	"github.com/goodtune/stuffwatch/internal/status"
	"github.com/goodtune/stuffwatch/internal/systemd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	watchInput         string
	watchFeed          string
	watchSession       string
	watchFramesSubject string
	watchStatusEvery   time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch one camera feed and raise alarms",
	Long: `Read detector frames for one camera feed, count the belongings inside the
protected region, and hand an alarm to the server when the count drops below the
calibrated baseline. Live status is served over WebSocket next to the metrics.`,
	Example: `  detector --json | stuffwatch watch --feed desk
  stuffwatch watch --feed desk --frames-subject detector.desk --session 5f0c...`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchInput, "input", "-", "JSON-lines frame file (- for stdin)")
	watchCmd.Flags().StringVar(&watchFeed, "feed", "default", "Feed name used in alarms, metrics and status")
	watchCmd.Flags().StringVar(&watchSession, "session", "", "Session id to notify (defaults to the latest active session)")
	watchCmd.Flags().StringVar(&watchFramesSubject, "frames-subject", "", "Read frames from this NATS subject instead of --input")
	watchCmd.Flags().DurationVar(&watchStatusEvery, "status-interval", 500*time.Millisecond, "Minimum interval between routine status updates")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("feed", watchFeed).
		Msg("Starting stuffwatch watcher")

	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	// Alarm sink
	sink, closeSink, err := openSink(cfg.Bus)
	if err != nil {
		return fmt.Errorf("failed to initialize alarm sink: %w", err)
	}
	defer closeSink()

	// Frame source
	source, err := openSource(watchInput, watchFramesSubject, cfg.Bus)
	if err != nil {
		return fmt.Errorf("failed to open frame source: %w", err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close frame source")
		}
	}()

	broadcaster := status.NewBroadcaster(watchStatusEvery, logger)

	runner, err := newRunner(cfg, monitor.Config{Feed: watchFeed, SessionID: watchSession}, source, sink, broadcaster, logger)
	if err != nil {
		return err
	}

	// Status server: metrics, health and live WebSocket status
	statusAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.StatusPort)
	statusServer := metrics.NewServer(statusAddr, logger)
	statusServer.Handle("/ws", broadcaster)
	if sdListeners.Activated && sdListeners.Status != nil {
		statusServer.SetListener(sdListeners.Status)
	}
	if err := statusServer.Start(); err != nil {
		return fmt.Errorf("failed to start status server: %w", err)
	}
	defer func() {
		if err := statusServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping status server")
		}
	}()

	logger.Info().Msgf("Status: ws://%s/ws", statusAddr)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}
	stopWatchdog := startWatchdog(logger)
	defer stopWatchdog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP re-arms the engine, e.g. after the owner has rearranged the scene
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				logger.Info().Msg("Received SIGHUP, re-arming monitor")
				runner.Rearm()
			case <-ctx.Done():
				return
			}
		}
	}()

	err = runner.Run(ctx)

	if nerr := systemd.NotifyStopping(); nerr != nil {
		logger.Warn().Err(nerr).Msg("Failed to send systemd stopping notification")
	}
	if err != nil {
		return err
	}

	logger.Info().Msg("stuffwatch watcher stopped")
	return nil
}

// openSink returns the configured alarm sink and its cleanup.
func openSink(cfg config.BusConfig) (monitor.AlarmSink, func(), error) {
	switch cfg.Type {
	case "", "http":
		sink, err := bus.NewHTTPSink(cfg.TriggerURL, time.Second)
		if err != nil {
			return nil, nil, err
		}
		return sink, func() {}, nil
	case "nats":
		pub, err := bus.NewPublisher(cfg.NATSURL, cfg.Subject)
		if err != nil {
			return nil, nil, err
		}
		return pub, pub.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported bus type: %s", cfg.Type)
	}
}
