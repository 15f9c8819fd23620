package bus

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goodtune/stuffwatch/internal/alert"
)

// DefaultTriggerTimeout bounds one trigger request.
const DefaultTriggerTimeout = time.Second

// HTTPSink forwards alarms to the server's trigger endpoint.
type HTTPSink struct {
	client *http.Client
	url    string
}

// NewHTTPSink creates a sink that calls GET triggerURL with the alarm as
// query parameters.
func NewHTTPSink(triggerURL string, timeout time.Duration) (*HTTPSink, error) {
	if _, err := url.Parse(triggerURL); err != nil {
		return nil, fmt.Errorf("invalid trigger url: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTriggerTimeout
	}
	return &HTTPSink{
		client: &http.Client{Timeout: timeout},
		url:    triggerURL,
	}, nil
}

// Deliver implements monitor.AlarmSink.
func (s *HTTPSink) Deliver(ctx context.Context, alarm alert.Alarm) error {
	u, err := url.Parse(s.url)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("feed", alarm.Feed)
	if alarm.SessionID != "" {
		q.Set("session", alarm.SessionID)
	}
	q.Set("baseline", strconv.Itoa(alarm.Baseline))
	q.Set("smoothed", strconv.FormatFloat(alarm.Smoothed, 'f', -1, 64))
	q.Set("at", alarm.At.UTC().Format(time.RFC3339Nano))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("trigger request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("trigger returned status %d", resp.StatusCode)
	}
	return nil
}

// AlarmFromQuery rebuilds an alarm from trigger query parameters. Missing or
// malformed optional values are left at their zero value; at defaults to now.
func AlarmFromQuery(q url.Values, now time.Time) alert.Alarm {
	alarm := alert.Alarm{
		Feed:      q.Get("feed"),
		SessionID: q.Get("session"),
		At:        now,
	}
	if v, err := strconv.Atoi(q.Get("baseline")); err == nil {
		alarm.Baseline = v
	}
	if v, err := strconv.ParseFloat(q.Get("smoothed"), 64); err == nil {
		alarm.Smoothed = v
	}
	if v, err := time.Parse(time.RFC3339Nano, q.Get("at")); err == nil {
		alarm.At = v
	}
	return alarm
}
