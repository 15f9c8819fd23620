package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/stuffwatch/internal/alert"
	"github.com/goodtune/stuffwatch/internal/api"
	"github.com/goodtune/stuffwatch/internal/bus"
	"github.com/goodtune/stuffwatch/internal/clock"
	"github.com/goodtune/stuffwatch/internal/config"
	"github.com/goodtune/stuffwatch/internal/metrics"
	"github.com/goodtune/stuffwatch/internal/notify"
	"github.com/goodtune/stuffwatch/internal/session"
	"github.com/goodtune/stuffwatch/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session API and alert dispatcher",
	Long: `Start the HTTP API that owns monitoring sessions and dispatches alarm
notifications, together with the metrics endpoint. With bus.type=nats the server
also consumes alarms published by watchers.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting stuffwatch server")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := openStorage(ctx, cfg.Storage)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Msg("Storage initialized")

	clk := clock.RealClock{}

	// Session coordinator
	coordinator := session.NewCoordinator(store.Sessions(), session.Config{
		PasskeyDigits: cfg.Session.PasskeyDigits,
	}, clk, logger)

	// Notification sender
	from := cfg.SMTP.From
	if from == "" {
		from = cfg.SMTP.Username
	}
	sender, err := notify.NewSMTPSender(notify.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     from,
		SSL:      cfg.SMTP.SSL,
		Subject:  cfg.Alerts.Subject,
		Body:     cfg.Alerts.Body,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize SMTP sender: %w", err)
	}

	// Alert dispatcher
	dispatcher, err := alert.NewDispatcher(alert.Config{
		Cooldown:      parseDuration(cfg.Alerts.Cooldown, alert.DefaultCooldown),
		SendTimeout:   parseDuration(cfg.Alerts.SendTimeout, alert.DefaultSendTimeout),
		LookupTimeout: alert.DefaultLookupTimeout,
		HistorySize:   cfg.Alerts.HistorySize,
	}, coordinator, sender, clk, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize alert dispatcher: %w", err)
	}

	// Alarms published on the bus
	if cfg.Bus.Type == "nats" {
		subscriber, err := bus.NewSubscriber(cfg.Bus.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize alarm subscriber: %w", err)
		}
		defer subscriber.Close()

		if _, err := subscriber.Subscribe(cfg.Bus.Subject, func(alarm alert.Alarm) {
			onBusAlarm(dispatcher, alarm, logger)
		}); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", cfg.Bus.Subject, err)
		}

		logger.Info().
			Str("url", cfg.Bus.NATSURL).
			Str("subject", cfg.Bus.Subject).
			Msg("Alarm subscriber started")
	}

	// Initialize API server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr:      apiAddr,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: parseDuration(cfg.Server.RateLimitWindow, time.Minute),
	}, coordinator, dispatcher, clk, logger)

	if sdListeners.Activated && sdListeners.HTTP != nil {
		apiServer.SetListener(sdListeners.HTTP)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	logger.Info().Msg("stuffwatch server startup complete")
	logger.Info().Msgf("API: http://%s", apiAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	stopWatchdog := startWatchdog(logger)
	defer stopWatchdog()

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break
		}
		logger.Info().Msg("SIGHUP received, reloading log level...")
		reloaded, err := config.Load(configPath)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to reload configuration")
			continue
		}
		zerolog.SetGlobalLevel(parseLevel(reloaded.Logging.Level))
		logger.Info().Str("level", reloaded.Logging.Level).Msg("Log level reloaded")
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("stuffwatch server stopped")
	return nil
}

func onBusAlarm(dispatcher *alert.Dispatcher, alarm alert.Alarm, logger zerolog.Logger) {
	sent, err := dispatcher.OnAlarm(context.Background(), alarm)
	if err != nil {
		logger.Warn().Err(err).Str("feed", alarm.Feed).Msg("Alarm dispatch failed")
		return
	}
	logger.Debug().Str("feed", alarm.Feed).Bool("sent", sent).Msg("Bus alarm dispatched")
}

// startWatchdog pings the systemd watchdog when the unit asks for it.
func startWatchdog(logger zerolog.Logger) func() {
	interval := systemd.WatchdogInterval()
	if interval == 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := systemd.NotifyWatchdog(); err != nil {
					logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
				}
			}
		}
	}()
	return func() { close(done) }
}
