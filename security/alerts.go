package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nosytlabs/secpipe/logging"
)

// AlertManager receives high-risk events together with the recent history of the same client
type AlertManager interface {
	ProcessEvent(ctx context.Context, ev SecurityEvent, history []SecurityEvent) error
}

// AlertManagerFunc adapts a function to AlertManager
type AlertManagerFunc func(ctx context.Context, ev SecurityEvent, history []SecurityEvent) error

// ProcessEvent calls f
func (f AlertManagerFunc) ProcessEvent(ctx context.Context, ev SecurityEvent, history []SecurityEvent) error {
	return f(ctx, ev, history)
}

const defaultSuppressionKeys = 10_000

// LogAlertManager emits alerts as error-level log lines. Repeated alerts for
// the same event type and client IP are suppressed until the cooldown passes.
type LogAlertManager struct {
	logger   logging.Logger
	metrics  *Metrics
	cooldown time.Duration
	now      func() time.Time
	forward  AlertManager

	mu              sync.Mutex
	suppressedUntil *lru.Cache[string, time.Time]
}

// AlertOption configures a LogAlertManager
type AlertOption func(*LogAlertManager)

// WithAlertForwarder passes alerts that survive the cooldown on to next
func WithAlertForwarder(next AlertManager) AlertOption {
	return func(am *LogAlertManager) { am.forward = next }
}

// NewLogAlertManager creates an alert manager. A zero cooldown disables suppression.
func NewLogAlertManager(logger logging.Logger, metrics *Metrics, cooldown time.Duration, opts ...AlertOption) (*LogAlertManager, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	cache, err := lru.New[string, time.Time](defaultSuppressionKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to create alert suppression cache: %w", err)
	}
	am := &LogAlertManager{
		logger:          logger.WithComponent("alerts"),
		metrics:         metrics,
		cooldown:        cooldown,
		now:             time.Now,
		suppressedUntil: cache,
	}
	for _, opt := range opts {
		opt(am)
	}
	return am, nil
}

// ProcessEvent emits an alert for ev unless one was emitted for the same
// type and IP within the cooldown.
func (am *LogAlertManager) ProcessEvent(ctx context.Context, ev SecurityEvent, history []SecurityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := am.now()
	key := ev.Type + "|" + ev.IP
	if am.isSuppressed(key, now) {
		am.logger.Debug("alert suppressed",
			logging.String("event_type", ev.Type),
			logging.String("ip", ev.IP))
		return nil
	}

	blocked := 0
	for _, h := range history {
		if h.Blocked {
			blocked++
		}
	}

	am.logger.WithRequest(ev.RequestID).Error("security alert",
		logging.String("event_type", ev.Type),
		logging.String("severity", ev.Severity.String()),
		logging.String("ip", ev.IP),
		logging.String("method", ev.Method),
		logging.String("url", ev.URL),
		logging.Int("risk_score", ev.RiskScore),
		logging.String("reason", ev.Reason),
		logging.Int("recent_events", len(history)),
		logging.Int("recent_blocked", blocked))
	am.metrics.recordAlert()

	if am.forward != nil {
		return am.forward.ProcessEvent(ctx, ev, history)
	}
	return nil
}

// isSuppressed reports whether key is inside its cooldown and, if not,
// starts a new cooldown for it.
func (am *LogAlertManager) isSuppressed(key string, now time.Time) bool {
	if am.cooldown <= 0 {
		return false
	}

	am.mu.Lock()
	defer am.mu.Unlock()

	if until, ok := am.suppressedUntil.Get(key); ok && now.Before(until) {
		return true
	}
	am.suppressedUntil.Add(key, now.Add(am.cooldown))
	return false
}
