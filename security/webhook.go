package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nosytlabs/secpipe/config"
	"github.com/nosytlabs/secpipe/logging"
)

const (
	defaultWebhookBatchSize     = 20
	defaultWebhookFlushInterval = 5 * time.Second
	defaultWebhookTimeout       = 10 * time.Second
)

// webhookAlert is one alert in a webhook batch
type webhookAlert struct {
	Event         SecurityEvent `json:"event"`
	RecentEvents  int           `json:"recent_events"`
	RecentBlocked int           `json:"recent_blocked"`
}

type webhookPayload struct {
	Alerts    []webhookAlert `json:"alerts"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
}

// WebhookAlertManager batches alerts and POSTs them as JSON to a URL.
// ProcessEvent only queues; delivery happens when a batch fills, on the flush
// interval, and on Close.
type WebhookAlertManager struct {
	url       string
	source    string
	client    *http.Client
	logger    logging.Logger
	batchSize int
	interval  time.Duration

	mu     sync.Mutex
	buffer []webhookAlert
	timer  *time.Timer
	closed bool
	wg     sync.WaitGroup
}

// NewWebhookAlertManager creates a webhook alert manager from the events config
func NewWebhookAlertManager(cfg config.EventsConfig, logger logging.Logger) (*WebhookAlertManager, error) {
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	batchSize := cfg.WebhookBatchSize
	if batchSize <= 0 {
		batchSize = defaultWebhookBatchSize
	}
	interval := cfg.WebhookFlushInterval
	if interval <= 0 {
		interval = defaultWebhookFlushInterval
	}

	w := &WebhookAlertManager{
		url:       cfg.WebhookURL,
		source:    "secpipe",
		client:    &http.Client{Timeout: timeout},
		logger:    logger.WithComponent("alert_webhook"),
		batchSize: batchSize,
		interval:  interval,
		buffer:    make([]webhookAlert, 0, batchSize),
	}
	w.mu.Lock()
	w.startTimerLocked()
	w.mu.Unlock()
	return w, nil
}

// ProcessEvent queues ev for the next batch
func (w *WebhookAlertManager) ProcessEvent(ctx context.Context, ev SecurityEvent, history []SecurityEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	alert := webhookAlert{Event: ev, RecentEvents: len(history)}
	for _, h := range history {
		if h.Blocked {
			alert.RecentBlocked++
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("webhook alert manager is closed")
	}

	w.buffer = append(w.buffer, alert)
	if len(w.buffer) >= w.batchSize {
		batch := w.takeLocked()
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.deliver(context.Background(), batch)
		}()
	}
	return nil
}

// Flush sends any queued alerts and waits for the request to finish
func (w *WebhookAlertManager) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.takeLocked()
	w.mu.Unlock()
	return w.send(ctx, batch)
}

// Close stops the flush timer, waits for in-flight batches and sends what is left
func (w *WebhookAlertManager) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	batch := w.takeLocked()
	w.mu.Unlock()

	w.wg.Wait()
	return w.send(ctx, batch)
}

// takeLocked detaches the current buffer. Caller holds mu.
func (w *WebhookAlertManager) takeLocked() []webhookAlert {
	if len(w.buffer) == 0 {
		return nil
	}
	batch := w.buffer
	w.buffer = make([]webhookAlert, 0, w.batchSize)
	return batch
}

// startTimerLocked schedules the periodic flush. Caller holds mu.
func (w *WebhookAlertManager) startTimerLocked() {
	w.timer = time.AfterFunc(w.interval, func() {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		batch := w.takeLocked()
		w.timer.Reset(w.interval)
		w.wg.Add(1)
		w.mu.Unlock()

		defer w.wg.Done()
		w.deliver(context.Background(), batch)
	})
}

// deliver sends batch and logs failures; used off the request path
func (w *WebhookAlertManager) deliver(ctx context.Context, batch []webhookAlert) {
	if err := w.send(ctx, batch); err != nil {
		w.logger.Warn("failed to deliver alerts",
			logging.Int("alerts", len(batch)),
			logging.Err(err))
	}
}

func (w *WebhookAlertManager) send(ctx context.Context, batch []webhookAlert) error {
	if len(batch) == 0 {
		return nil
	}

	data, err := json.Marshal(webhookPayload{
		Alerts:    batch,
		Timestamp: time.Now().UTC(),
		Source:    w.source,
	})
	if err != nil {
		return fmt.Errorf("failed to encode alerts: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	w.logger.Debug("alerts delivered", logging.Int("alerts", len(batch)))
	return nil
}
