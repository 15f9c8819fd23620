package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goodtune/stuffwatch/internal/alert"
	"github.com/goodtune/stuffwatch/internal/clock"
	"github.com/goodtune/stuffwatch/internal/session"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Sessions starts and ends monitoring sessions.
type Sessions interface {
	StartSession(ctx context.Context, email string) (session.StartResult, error)
	EndSession(ctx context.Context, email, passkey string) error
	ActiveSessions(ctx context.Context) (int, error)
}

// Alarms accepts alarms and reports recent dispatch outcomes.
type Alarms interface {
	OnAlarm(ctx context.Context, alarm alert.Alarm) (bool, error)
	Records() []alert.Record
}

// Config holds the API server configuration.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	RateLimit       int // session requests per window and client; 0 disables
	RateLimitWindow time.Duration
}

// Server is the session and alarm HTTP API.
type Server struct {
	config   Config
	sessions Sessions
	alarms   Alarms
	clock    clock.Clock
	limiter  *RateLimiter
	server   *http.Server
	router   *mux.Router
	listener net.Listener
	inflight sync.WaitGroup
	logger   zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, sessions Sessions, alarms Alarms, clk clock.Clock, logger zerolog.Logger) *Server {
	if clk == nil {
		clk = clock.RealClock{}
	}

	s := &Server{
		config:   cfg,
		sessions: sessions,
		alarms:   alarms,
		clock:    clk,
		router:   mux.NewRouter(),
		logger:   logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))
	if len(s.config.AllowedOrigins) > 0 {
		s.router.Use(CORSMiddleware(s.config.AllowedOrigins))
	}

	limit := func(h http.HandlerFunc) http.Handler { return h }
	if s.config.RateLimit > 0 {
		window := s.config.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		s.limiter = NewRateLimiter(s.config.RateLimit, window)
		limit = func(h http.HandlerFunc) http.Handler { return RateLimitMiddleware(s.limiter)(h) }
	}

	s.router.Handle("/start-session", limit(s.handleStartSession)).Methods("POST", "OPTIONS")
	s.router.Handle("/end-session", limit(s.handleEndSession)).Methods("POST", "OPTIONS")
	s.router.HandleFunc("/trigger-alert", s.handleTriggerAlert).Methods("GET")
	s.router.HandleFunc("/alarms", s.handleAlarms).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API server in the background.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server and waits for in-flight alarm dispatches.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	s.inflight.Wait()
	if s.limiter != nil {
		s.limiter.Close()
	}

	return nil
}
