package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goodtune/stuffwatch/internal/alert"
	"github.com/goodtune/stuffwatch/internal/bus"
	"github.com/goodtune/stuffwatch/internal/session"
)

const maxBodyBytes = 64 << 10

type startSessionRequest struct {
	Email string `json:"email"`
}

type startSessionResponse struct {
	Message   string `json:"message"`
	Passkey   string `json:"passkey"`
	SessionID string `json:"session_id"`
}

type endSessionRequest struct {
	Email   string `json:"email"`
	Passkey string `json:"passkey"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	res, err := s.sessions.StartSession(r.Context(), req.Email)
	if err != nil {
		var verr *session.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Error())
		default:
			s.logger.Error().Err(err).Msg("Failed to start session")
			writeError(w, http.StatusServiceUnavailable, "Session store unavailable")
		}
		return
	}

	writeJSON(w, http.StatusOK, startSessionResponse{
		Message:   "Monitoring started",
		Passkey:   res.Passkey,
		SessionID: res.SessionID,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	var req endSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := s.sessions.EndSession(r.Context(), req.Email, req.Passkey); err != nil {
		if errors.Is(err, session.ErrUnauthorized) {
			writeError(w, http.StatusUnauthorized, "Invalid email or passkey")
			return
		}
		s.logger.Error().Err(err).Msg("Failed to end session")
		writeError(w, http.StatusServiceUnavailable, "Session store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Monitoring ended"})
}

// handleTriggerAlert always answers 200; the dispatch outcome is only logged.
func (s *Server) handleTriggerAlert(w http.ResponseWriter, r *http.Request) {
	alarm := bus.AlarmFromQuery(r.URL.Query(), s.clock.Now())

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.dispatch(context.WithoutCancel(r.Context()), alarm)
	}()

	writeJSON(w, http.StatusOK, messageResponse{Message: "Alert received"})
}

func (s *Server) dispatch(ctx context.Context, alarm alert.Alarm) {
	sent, err := s.alarms.OnAlarm(ctx, alarm)
	if err != nil {
		s.logger.Warn().Err(err).Str("feed", alarm.Feed).Msg("Alarm dispatch failed")
		return
	}
	s.logger.Debug().Str("feed", alarm.Feed).Bool("sent", sent).Msg("Alarm dispatched")
}

func (s *Server) handleAlarms(w http.ResponseWriter, r *http.Request) {
	records := s.alarms.Records()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alarms": records,
		"count":  len(records),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, err := s.sessions.ActiveSessions(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"active_sessions": active,
	})
}
