package security

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nosytlabs/secpipe/config"
	"github.com/nosytlabs/secpipe/logging"
)

func newBufferLogger(buf *bytes.Buffer) logging.Logger {
	return logging.NewWithWriter(buf, logging.NewJSONFormatter(), logging.Config{Level: "debug"})
}

func testEventsConfig() config.EventsConfig {
	return config.EventsConfig{
		Enabled:     true,
		Alerting:    true,
		HistorySize: 3,
		HistoryIPs:  10,
	}
}

func TestRedactHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Cookie", "session=abc")
	h.Set("Authorization", "Bearer secret")
	h.Set("X-CSRF-Token", "token-value")
	h.Set("User-Agent", "test-agent")

	out := RedactHeaders(h, "X-CSRF-Token")
	for _, name := range []string{"Cookie", "Authorization", "X-Csrf-Token"} {
		if out[name] != redacted {
			t.Errorf("Expected %s to be redacted, got %q", name, out[name])
		}
	}
	if out["User-Agent"] != "test-agent" {
		t.Errorf("Expected User-Agent to be kept, got %q", out["User-Agent"])
	}

	if RedactHeaders(nil) != nil {
		t.Error("Expected nil for empty headers")
	}
}

func TestSeverityForRisk(t *testing.T) {
	tests := []struct {
		level    RiskLevel
		expected Severity
	}{
		{RiskLow, SeverityInfo},
		{RiskMedium, SeverityMedium},
		{RiskHigh, SeverityHigh},
	}
	for _, test := range tests {
		if got := SeverityForRisk(test.level); got != test.expected {
			t.Errorf("Expected %s for %s, got %s", test.expected, test.level, got)
		}
	}
}

func TestEventLoggerLogsEvent(t *testing.T) {
	var buf bytes.Buffer
	el, err := NewEventLogger(testEventsConfig(), newBufferLogger(&buf))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	el.LogEvent(context.Background(), SecurityEvent{
		Type:      EventBlockedRequest,
		IP:        "203.0.113.1",
		Method:    "GET",
		URL:       "/wp-admin",
		RiskScore: 40,
		Severity:  SeverityHigh,
		Blocked:   true,
		Reason:    "url matches wp-admin",
		RequestID: "req-1",
	})

	out := buf.String()
	for _, want := range []string{`"event_type":"blocked_request"`, `"severity":"high"`, `"request_id":"req-1"`, `"level":"WARN"`} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %s in %s", want, out)
		}
	}
}

func TestEventLoggerDisabled(t *testing.T) {
	var buf bytes.Buffer
	cfg := testEventsConfig()
	cfg.Enabled = false
	el, err := NewEventLogger(cfg, newBufferLogger(&buf))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	el.LogEvent(context.Background(), SecurityEvent{Type: EventBlockedRequest, Severity: SeverityHigh})
	if buf.Len() != 0 {
		t.Errorf("Expected no output, got %s", buf.String())
	}

	var nilLogger *EventLogger
	nilLogger.LogEvent(context.Background(), SecurityEvent{})
}

func TestEventLoggerHistoryBounded(t *testing.T) {
	el, err := NewEventLogger(testEventsConfig(), nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	for i := 0; i < 5; i++ {
		el.LogEvent(context.Background(), SecurityEvent{
			Type:   EventRequestProcessed,
			IP:     "203.0.113.1",
			Reason: fmt.Sprintf("event-%d", i),
		})
	}

	history := el.History("203.0.113.1")
	if len(history) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(history))
	}
	for i, ev := range history {
		want := fmt.Sprintf("event-%d", i+2)
		if ev.Reason != want {
			t.Errorf("Expected %s at %d, got %s", want, i, ev.Reason)
		}
	}
	if len(el.History("198.51.100.1")) != 0 {
		t.Error("Expected no history for unknown IP")
	}
}

func TestEventLoggerAlerting(t *testing.T) {
	var calls int
	var lastHistory []SecurityEvent
	am := AlertManagerFunc(func(ctx context.Context, ev SecurityEvent, history []SecurityEvent) error {
		calls++
		lastHistory = history
		return nil
	})

	el, err := NewEventLogger(testEventsConfig(), nil, WithEventAlertManager(am))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	ctx := context.Background()
	el.LogEvent(ctx, SecurityEvent{Type: EventRequestProcessed, IP: "203.0.113.1", Severity: SeverityMedium})
	if calls != 0 {
		t.Errorf("Expected no alert for medium severity, got %d", calls)
	}

	el.LogEvent(ctx, SecurityEvent{Type: EventBlockedRequest, IP: "203.0.113.1", Severity: SeverityHigh, Blocked: true})
	if calls != 1 {
		t.Fatalf("Expected 1 alert, got %d", calls)
	}
	if len(lastHistory) != 2 {
		t.Errorf("Expected history of 2 events, got %d", len(lastHistory))
	}

	cfg := testEventsConfig()
	cfg.Alerting = false
	quiet, _ := NewEventLogger(cfg, nil, WithEventAlertManager(am))
	quiet.LogEvent(ctx, SecurityEvent{Type: EventBlockedRequest, Severity: SeverityHigh})
	if calls != 1 {
		t.Errorf("Expected alerting to be disabled, got %d calls", calls)
	}
}

func TestEventLoggerSwallowsAlertFailures(t *testing.T) {
	m := NewMetrics("test")
	ctx := context.Background()
	ev := SecurityEvent{Type: EventBlockedRequest, Severity: SeverityHigh}

	failing := AlertManagerFunc(func(context.Context, SecurityEvent, []SecurityEvent) error {
		return errors.New("notifier down")
	})
	el, _ := NewEventLogger(testEventsConfig(), nil, WithEventAlertManager(failing), WithEventMetrics(m))
	el.LogEvent(ctx, ev)

	if got := testutil.ToFloat64(m.logFailures); got != 1 {
		t.Errorf("Expected 1 log failure, got %v", got)
	}

	panicking := AlertManagerFunc(func(context.Context, SecurityEvent, []SecurityEvent) error {
		panic("boom")
	})
	el, _ = NewEventLogger(testEventsConfig(), nil, WithEventAlertManager(panicking), WithEventMetrics(m))
	el.LogEvent(ctx, ev)

	if got := testutil.ToFloat64(m.logFailures); got != 2 {
		t.Errorf("Expected 2 log failures, got %v", got)
	}
}

func TestLogAlertManagerCooldown(t *testing.T) {
	var buf bytes.Buffer
	m := NewMetrics("test")
	am, err := NewLogAlertManager(newBufferLogger(&buf), m, 5*time.Minute)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	am.now = func() time.Time { return now }

	ctx := context.Background()
	ev := SecurityEvent{Type: EventBlockedRequest, IP: "203.0.113.1", Severity: SeverityHigh}

	if err := am.ProcessEvent(ctx, ev, nil); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	_ = am.ProcessEvent(ctx, ev, nil)
	if got := testutil.ToFloat64(m.alerts); got != 1 {
		t.Errorf("Expected duplicate to be suppressed, got %v alerts", got)
	}

	other := ev
	other.IP = "198.51.100.1"
	_ = am.ProcessEvent(ctx, other, nil)
	if got := testutil.ToFloat64(m.alerts); got != 2 {
		t.Errorf("Expected alert for another IP, got %v alerts", got)
	}

	now = now.Add(6 * time.Minute)
	_ = am.ProcessEvent(ctx, ev, nil)
	if got := testutil.ToFloat64(m.alerts); got != 3 {
		t.Errorf("Expected alert after cooldown, got %v alerts", got)
	}

	if !strings.Contains(buf.String(), `"message":"security alert"`) {
		t.Errorf("Expected alert log line, got %s", buf.String())
	}
}

func TestLogAlertManagerCancelledContext(t *testing.T) {
	am, err := NewLogAlertManager(nil, nil, 0)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := am.ProcessEvent(ctx, SecurityEvent{}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
