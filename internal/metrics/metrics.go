package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Frame pipeline metrics
	FramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stuffwatch_frames_total",
			Help: "Total detector frames processed",
		},
		[]string{"feed"},
	)

	FrameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stuffwatch_frame_errors_total",
			Help: "Frames that failed to decode or carried a detector error (counted as zero detections)",
		},
		[]string{"feed"},
	)

	PresenceCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stuffwatch_presence_count",
			Help: "Objects counted in the protected region on the latest frame",
		},
		[]string{"feed"},
	)

	SmoothedCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stuffwatch_smoothed_count",
			Help: "Exponentially smoothed object count",
		},
		[]string{"feed"},
	)

	Baseline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stuffwatch_baseline",
			Help: "Locked baseline object count",
		},
		[]string{"feed"},
	)

	EngineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stuffwatch_engine_state",
			Help: "Engine state (0 calibrating, 1 armed, 2 alarmed)",
		},
		[]string{"feed"},
	)

	// Alarm metrics
	AlarmsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stuffwatch_alarms_total",
			Help: "Alarms raised by the drop-detection engine",
		},
		[]string{"feed"},
	)

	AlarmHandoffDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stuffwatch_alarm_handoff_dropped_total",
			Help: "Alarms dropped because the dispatch hand-off was full",
		},
		[]string{"feed"},
	)

	AlarmSinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stuffwatch_alarm_sink_errors_total",
			Help: "Alarms the sink failed to deliver to the dispatcher",
		},
		[]string{"feed"},
	)

	// Alert dispatch metrics
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stuffwatch_alerts_total",
			Help: "Alert dispatch outcomes",
		},
		[]string{"outcome"},
	)

	NotificationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stuffwatch_notification_duration_seconds",
			Help:    "Notification send duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Session metrics
	SessionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stuffwatch_sessions_started_total",
			Help: "Monitoring sessions started",
		},
	)

	SessionsEnded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stuffwatch_sessions_ended_total",
			Help: "Monitoring sessions ended",
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stuffwatch_sessions_active",
			Help: "Active monitoring sessions at the last health check",
		},
	)

	SessionAuthFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stuffwatch_session_auth_failures_total",
			Help: "End-session requests rejected for a bad email/passkey pair",
		},
	)

	// HTTP API metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stuffwatch_http_requests_total",
			Help: "HTTP API requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	// Status metrics
	StatusClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stuffwatch_status_clients",
			Help: "Connected live status WebSocket clients",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		FramesTotal,
		FrameErrors,
		PresenceCount,
		SmoothedCount,
		Baseline,
		EngineState,
		AlarmsTotal,
		AlarmHandoffDropped,
		AlarmSinkErrors,
		AlertsTotal,
		NotificationDuration,
		SessionsStarted,
		SessionsEnded,
		SessionsActive,
		SessionAuthFailures,
		HTTPRequestsTotal,
		StatusClients,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	mux      *http.ServeMux
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		mux:    mux,
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handle mounts an extra handler next to /metrics and /health.
// It must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the server's routes, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
