package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/stuffwatch/internal/alert"
	"github.com/goodtune/stuffwatch/internal/clock"
	"github.com/goodtune/stuffwatch/internal/config"
	"github.com/goodtune/stuffwatch/internal/session"
	redisstore "github.com/goodtune/stuffwatch/internal/storage/redis"
	"github.com/rs/zerolog"
)

type fakeAlarms struct {
	mu      sync.Mutex
	alarms  []alert.Alarm
	records []alert.Record
	got     chan alert.Alarm
}

func newFakeAlarms() *fakeAlarms {
	return &fakeAlarms{got: make(chan alert.Alarm, 8)}
}

func (f *fakeAlarms) OnAlarm(_ context.Context, alarm alert.Alarm) (bool, error) {
	f.mu.Lock()
	f.alarms = append(f.alarms, alarm)
	f.mu.Unlock()
	f.got <- alarm
	return true, nil
}

func (f *fakeAlarms) Records() []alert.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records
}

func setupServer(t *testing.T) (*Server, *fakeAlarms, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	store, err := redisstore.Open(config.RedisConfig{
		Host:         mr.Addr(),
		PoolSize:     4,
		DialTimeout:  "1s",
		ReadTimeout:  "1s",
		WriteTimeout: "1s",
	})
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.NewTestClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	coordinator := session.NewCoordinator(store.Sessions(), session.Config{}, clk, zerolog.Nop())
	alarms := newFakeAlarms()

	srv := NewServer(Config{AllowedOrigins: []string{"*"}}, coordinator, alarms, clk, zerolog.Nop())
	return srv, alarms, mr
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(dst); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestStartEndSession(t *testing.T) {
	srv, _, _ := setupServer(t)

	w := do(t, srv, http.MethodPost, "/start-session", `{"email":"owner@example.com"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("start-session status = %d, body %s", w.Code, w.Body.String())
	}
	var started startSessionResponse
	decode(t, w, &started)
	if started.Message != "Monitoring started" || len(started.Passkey) != 6 || started.SessionID == "" {
		t.Fatalf("start-session response = %+v", started)
	}

	w = do(t, srv, http.MethodPost, "/end-session", `{"email":"owner@example.com","passkey":"nope"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("end-session with wrong passkey status = %d", w.Code)
	}
	var errResp ErrorResponse
	decode(t, w, &errResp)
	if errResp.Message != "Invalid email or passkey" {
		t.Errorf("401 message = %q", errResp.Message)
	}

	body := `{"email":"owner@example.com","passkey":"` + started.Passkey + `"}`
	w = do(t, srv, http.MethodPost, "/end-session", body)
	if w.Code != http.StatusOK {
		t.Fatalf("end-session status = %d, body %s", w.Code, w.Body.String())
	}
	var ended messageResponse
	decode(t, w, &ended)
	if ended.Message != "Monitoring ended" {
		t.Errorf("end-session message = %q", ended.Message)
	}

	// The pair no longer matches an active session.
	if w := do(t, srv, http.MethodPost, "/end-session", body); w.Code != http.StatusUnauthorized {
		t.Errorf("second end-session status = %d, want 401", w.Code)
	}
}

func TestSessionErrors(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
	}{
		{"start missing email", "/start-session", `{}`, http.StatusBadRequest},
		{"start bad email", "/start-session", `{"email":"nobody"}`, http.StatusBadRequest},
		{"start malformed json", "/start-session", `{"email":`, http.StatusBadRequest},
		{"end malformed json", "/end-session", `not json`, http.StatusBadRequest},
		{"end empty credentials", "/end-session", `{}`, http.StatusUnauthorized},
	}

	srv, _, _ := setupServer(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestStoreUnavailable(t *testing.T) {
	srv, _, mr := setupServer(t)
	mr.Close()

	if w := do(t, srv, http.MethodPost, "/start-session", `{"email":"owner@example.com"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("start-session status = %d, want 503", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/end-session", `{"email":"owner@example.com","passkey":"123456"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("end-session status = %d, want 503", w.Code)
	}
	if w := do(t, srv, http.MethodGet, "/health", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want 503", w.Code)
	}
}

func TestTriggerAlert(t *testing.T) {
	srv, alarms, _ := setupServer(t)

	w := do(t, srv, http.MethodGet, "/trigger-alert?feed=kitchen&session=s-1&baseline=3", "")
	if w.Code != http.StatusOK {
		t.Fatalf("trigger-alert status = %d", w.Code)
	}

	select {
	case alarm := <-alarms.got:
		if alarm.Feed != "kitchen" || alarm.SessionID != "s-1" || alarm.Baseline != 3 {
			t.Errorf("alarm = %+v", alarm)
		}
		if alarm.At.IsZero() {
			t.Error("alarm has no timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("trigger-alert did not reach the dispatcher")
	}

	// Bare trigger, as the detector sends it.
	if w := do(t, srv, http.MethodGet, "/trigger-alert", ""); w.Code != http.StatusOK {
		t.Errorf("bare trigger-alert status = %d", w.Code)
	}
	<-alarms.got
}

func TestAlarmsAndHealth(t *testing.T) {
	srv, alarms, _ := setupServer(t)
	alarms.records = []alert.Record{{Feed: "kitchen", Outcome: alert.OutcomeSent, Recipient: "owner@example.com"}}

	w := do(t, srv, http.MethodGet, "/alarms", "")
	if w.Code != http.StatusOK {
		t.Fatalf("alarms status = %d", w.Code)
	}
	var resp struct {
		Alarms []alert.Record `json:"alarms"`
		Count  int            `json:"count"`
	}
	decode(t, w, &resp)
	if resp.Count != 1 || resp.Alarms[0].Outcome != alert.OutcomeSent {
		t.Errorf("alarms response = %+v", resp)
	}

	if w := do(t, srv, http.MethodPost, "/start-session", `{"email":"owner@example.com"}`); w.Code != http.StatusOK {
		t.Fatalf("start-session status = %d", w.Code)
	}

	w = do(t, srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	var health struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"active_sessions"`
	}
	decode(t, w, &health)
	if health.Status != "ok" || health.ActiveSessions != 1 {
		t.Errorf("health response = %+v, want ok with 1 active session", health)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/start-session", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := setupServer(t)
	if w := do(t, srv, http.MethodGet, "/start-session", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /start-session status = %d, want 405", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.1") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("third request inside the window should be rejected")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("another client should have its own bucket")
	}

	now = now.Add(time.Minute + time.Second)
	if !rl.Allow("10.0.0.1") {
		t.Error("request after the window should pass")
	}
}

func TestEndSession_RateLimited(t *testing.T) {
	srv, _, _ := setupServer(t)
	limited := NewServer(Config{RateLimit: 3, RateLimitWindow: time.Hour}, srv.sessions, srv.alarms, srv.clock, zerolog.Nop())
	defer limited.limiter.Close()

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/end-session", strings.NewReader(`{"email":"a@example.com","passkey":"000000"}`))
		req.RemoteAddr = "192.0.2.7:5555"
		w := httptest.NewRecorder()
		limited.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	want := []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("status codes = %v, want %v", codes, want)
			break
		}
	}
}
