// Package secpipe assembles the request security pipeline from a resolved configuration.
package secpipe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nosytlabs/secpipe/config"
	"github.com/nosytlabs/secpipe/internal/telemetry"
	"github.com/nosytlabs/secpipe/logging"
	"github.com/nosytlabs/secpipe/ratelimit"
	"github.com/nosytlabs/secpipe/security"
)

// Stack is a security pipeline together with the components it was built from.
// Optional components are nil when disabled.
type Stack struct {
	config *config.Config

	Pipeline *security.Pipeline
	Logger   *logging.StandardLogger
	Metrics  *security.Metrics
	Limiter  *ratelimit.Limiter
	Issuer   *security.CSRFTokenIssuer

	tracerManager *telemetry.TracerManager
	webhook       *security.WebhookAlertManager
}

// New validates cfg and builds every enabled component
func New(ctx context.Context, cfg *config.Config) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	s := &Stack{config: cfg, Logger: logger}
	if err := s.initializeOptionalFeatures(ctx); err != nil {
		_ = s.Shutdown(ctx)
		return nil, err
	}
	return s, nil
}

// NewDefault builds a stack from the development defaults
func NewDefault(ctx context.Context) (*Stack, error) {
	return New(ctx, config.Default())
}

// initializeOptionalFeatures sets up components in dependency order
func (s *Stack) initializeOptionalFeatures(ctx context.Context) error {
	cfg := s.config
	opts := []security.Option{security.WithLogger(s.Logger)}

	// 1. Telemetry first so the pipeline span has a real tracer
	if cfg.Telemetry.Enabled {
		tm := telemetry.NewTracerManager(cfg.Telemetry, s.Logger)
		if err := tm.Initialize(ctx); err != nil {
			s.Logger.Warn("failed to initialize telemetry, continuing without tracing", logging.Err(err))
		} else {
			s.tracerManager = tm
			opts = append(opts, security.WithTracer(tm.Tracer()))
		}
	}

	// 2. Metrics
	if cfg.Metrics.Enabled {
		s.Metrics = security.NewMetrics(cfg.Metrics.Namespace)
		opts = append(opts, security.WithMetrics(s.Metrics))
	}

	// 3. Alert delivery; without a webhook the pipeline logs alerts itself
	events := cfg.Security.Events
	if events.Alerting && events.WebhookURL != "" {
		webhook, err := security.NewWebhookAlertManager(events, s.Logger)
		if err != nil {
			return err
		}
		s.webhook = webhook
		am, err := security.NewLogAlertManager(s.Logger, s.Metrics, events.AlertCooldown,
			security.WithAlertForwarder(webhook))
		if err != nil {
			return err
		}
		opts = append(opts, security.WithAlertManager(am))
	}

	// 4. Rate limiting
	if cfg.RateLimit.Enabled {
		store, err := newStore(ctx, cfg.RateLimit, s.Logger)
		if err != nil {
			return err
		}
		s.Limiter = ratelimit.NewLimiter(store,
			ratelimit.WithRules(cfg.RateLimit.Rules),
			ratelimit.WithLogger(s.Logger))
		opts = append(opts, security.WithLimiter(s.Limiter))
		s.Logger.Info("rate limiting enabled", logging.String("store", cfg.RateLimit.Store))
	}

	// 5. CSRF token signing
	if cfg.Security.CSRF.Enabled && cfg.Security.CSRF.Secret != "" {
		issuer, err := security.NewCSRFTokenIssuer([]byte(cfg.Security.CSRF.Secret), cfg.Security.CSRF.TokenTTL)
		if err != nil {
			return err
		}
		s.Issuer = issuer
		if cfg.Security.CSRF.VerifyTokens {
			opts = append(opts, security.WithTokenVerifier(issuer))
		}
	}

	pipeline, err := security.NewPipeline(cfg.Security, opts...)
	if err != nil {
		return err
	}
	s.Pipeline = pipeline

	s.Logger.Info("security pipeline ready",
		logging.String("environment", cfg.Environment),
		logging.Any("features", cfg.FeatureSummary()))
	return nil
}

func newStore(ctx context.Context, cfg config.RateLimitConfig, logger logging.Logger) (ratelimit.Store, error) {
	switch cfg.Store {
	case "redis":
		store, err := ratelimit.NewRedisStoreFromConfig(ctx, cfg.Redis, ratelimit.WithStoreLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create redis rate limit store: %w", err)
		}
		return store, nil
	case "memory", "":
		return ratelimit.NewMemoryStore(cfg.MemoryCapacity)
	default:
		return nil, fmt.Errorf("unknown rate limit store: %s", cfg.Store)
	}
}

// Config returns the configuration the stack was built from
func (s *Stack) Config() *config.Config {
	return s.config
}

// Middleware wraps next with the security pipeline
func (s *Stack) Middleware(next http.Handler) http.Handler {
	return s.Pipeline.Middleware(next)
}

// TokenHandler serves signed CSRF tokens, or nil when no secret is configured
func (s *Stack) TokenHandler() http.Handler {
	if s.Issuer == nil {
		return nil
	}
	return security.TokenHandler(s.Issuer, s.config.Security.CSRF, s.Logger)
}

// Shutdown delivers pending alerts, releases the store, flushes traces and closes the logger
func (s *Stack) Shutdown(ctx context.Context) error {
	var errs []error
	if s.webhook != nil {
		if err := s.webhook.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to deliver pending alerts: %w", err))
		}
	}
	if s.Limiter != nil {
		if err := s.Limiter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close rate limit store: %w", err))
		}
	}
	// telemetry after the store so its spans are flushed
	if s.tracerManager != nil {
		if err := s.tracerManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
		}
	}
	if s.Logger != nil {
		if err := s.Logger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close logger: %w", err))
		}
	}
	return errors.Join(errs...)
}
