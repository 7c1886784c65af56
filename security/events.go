package security

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nosytlabs/secpipe/config"
	"github.com/nosytlabs/secpipe/logging"
)

// Severity is the severity of a security event
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Severity) UnmarshalText(text []byte) error {
	for candidate := SeverityInfo; candidate <= SeverityCritical; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown severity: %s", text)
}

// SeverityForRisk maps a request risk level onto an event severity
func SeverityForRisk(level RiskLevel) Severity {
	switch level {
	case RiskHigh:
		return SeverityHigh
	case RiskMedium:
		return SeverityMedium
	default:
		return SeverityInfo
	}
}

// Event types
const (
	EventBlockedRequest    = "blocked_request"
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventCSRFViolation     = "csrf_violation"
	EventRequestProcessed  = "request_processed"
	EventInternalError     = "internal_error"
)

// SecurityEvent is one structured security log record
type SecurityEvent struct {
	Type      string                 `json:"type"`
	IP        string                 `json:"ip"`
	UserAgent string                 `json:"user_agent"`
	URL       string                 `json:"url"`
	Method    string                 `json:"method"`
	Headers   map[string]string      `json:"headers,omitempty"`
	RiskScore int                    `json:"risk_score"`
	Severity  Severity               `json:"severity"`
	Blocked   bool                   `json:"blocked"`
	Reason    string                 `json:"reason,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id"`
}

const redacted = "[REDACTED]"

// RedactHeaders flattens h, replacing credentials with a placeholder.
// Cookie, Set-Cookie, Authorization, Proxy-Authorization and every name in
// extra are redacted.
func RedactHeaders(h http.Header, extra ...string) map[string]string {
	if len(h) == 0 {
		return nil
	}

	secret := map[string]bool{
		"Cookie":              true,
		"Set-Cookie":          true,
		"Authorization":       true,
		"Proxy-Authorization": true,
	}
	for _, name := range extra {
		if name != "" {
			secret[http.CanonicalHeaderKey(name)] = true
		}
	}

	out := make(map[string]string, len(h))
	for name, values := range h {
		key := http.CanonicalHeaderKey(name)
		if secret[key] {
			out[key] = redacted
			continue
		}
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}

// EventLogger writes security events and forwards high-risk ones to an AlertManager.
// LogEvent never fails or panics from the caller's point of view.
type EventLogger struct {
	logger  logging.Logger
	alerts  AlertManager
	metrics *Metrics
	config  config.EventsConfig

	historySize int
	history     *lru.Cache[string, *eventRing]
}

// EventLoggerOption configures an EventLogger
type EventLoggerOption func(*EventLogger)

// WithEventAlertManager sets the alert manager used for high-risk events
func WithEventAlertManager(am AlertManager) EventLoggerOption {
	return func(el *EventLogger) { el.alerts = am }
}

// WithEventMetrics sets the metrics that count logging failures and alerts
func WithEventMetrics(m *Metrics) EventLoggerOption {
	return func(el *EventLogger) { el.metrics = m }
}

// NewEventLogger creates an event logger
func NewEventLogger(cfg config.EventsConfig, logger logging.Logger, opts ...EventLoggerOption) (*EventLogger, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	el := &EventLogger{
		logger:      logger.WithComponent("security_events"),
		config:      cfg,
		historySize: cfg.HistorySize,
	}
	for _, opt := range opts {
		opt(el)
	}

	if el.historySize > 0 {
		ips := cfg.HistoryIPs
		if ips <= 0 {
			ips = 10_000
		}
		cache, err := lru.New[string, *eventRing](ips)
		if err != nil {
			return nil, fmt.Errorf("failed to create event history: %w", err)
		}
		el.history = cache
	}
	return el, nil
}

// LogEvent records ev. Risk below medium on a passing request goes to debug.
func (el *EventLogger) LogEvent(ctx context.Context, ev SecurityEvent) {
	if el == nil || !el.config.Enabled {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			el.metrics.recordLogFailure()
		}
	}()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	fields := []logging.Field{
		logging.String("event_type", ev.Type),
		logging.String("ip", ev.IP),
		logging.String("method", ev.Method),
		logging.String("url", ev.URL),
		logging.String("user_agent", ev.UserAgent),
		logging.Int("risk_score", ev.RiskScore),
		logging.String("severity", ev.Severity.String()),
		logging.Bool("blocked", ev.Blocked),
	}
	if ev.Reason != "" {
		fields = append(fields, logging.String("reason", ev.Reason))
	}
	if len(ev.Headers) > 0 {
		fields = append(fields, logging.Any("headers", ev.Headers))
	}
	if len(ev.Metadata) > 0 {
		fields = append(fields, logging.Any("metadata", ev.Metadata))
	}

	logger := el.logger.WithRequest(ev.RequestID)
	switch {
	case ev.Severity >= SeverityHigh:
		logger.Warn("security event", fields...)
	case ev.Blocked || ev.Severity >= SeverityMedium:
		logger.Info("security event", fields...)
	default:
		logger.Debug("security event", fields...)
	}

	history := el.remember(ev)

	if ev.Severity >= SeverityHigh && el.config.Alerting && el.alerts != nil {
		el.alert(ctx, ev, history)
	}
}

func (el *EventLogger) alert(ctx context.Context, ev SecurityEvent, history []SecurityEvent) {
	defer func() {
		if r := recover(); r != nil {
			el.metrics.recordLogFailure()
			el.logger.Error("alert manager panicked", logging.Any("panic", r))
		}
	}()

	if err := el.alerts.ProcessEvent(ctx, ev, history); err != nil {
		el.metrics.recordLogFailure()
		el.logger.Error("alert manager failed", logging.Err(err), logging.String("event_type", ev.Type))
	}
}

// History returns the recent events recorded for ip, oldest first
func (el *EventLogger) History(ip string) []SecurityEvent {
	if el == nil || el.history == nil {
		return nil
	}
	ring, ok := el.history.Get(ip)
	if !ok {
		return nil
	}
	return ring.snapshot()
}

func (el *EventLogger) remember(ev SecurityEvent) []SecurityEvent {
	if el.history == nil {
		return []SecurityEvent{ev}
	}

	ring, ok := el.history.Get(ev.IP)
	if !ok {
		ring = newEventRing(el.historySize)
		if prev, found, _ := el.history.PeekOrAdd(ev.IP, ring); found {
			ring = prev
		}
	}
	ring.add(ev)
	return ring.snapshot()
}

// eventRing keeps the last size events
type eventRing struct {
	mu     sync.Mutex
	events []SecurityEvent
	next   int
	full   bool
}

func newEventRing(size int) *eventRing {
	return &eventRing{events: make([]SecurityEvent, size)}
}

func (r *eventRing) add(ev SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = ev
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

func (r *eventRing) snapshot() []SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]SecurityEvent, r.next)
		copy(out, r.events[:r.next])
		return out
	}
	out := make([]SecurityEvent, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	return append(out, r.events[:r.next]...)
}
