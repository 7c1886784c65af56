package security

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nosytlabs/secpipe/config"
	"github.com/nosytlabs/secpipe/internal/telemetry"
	"github.com/nosytlabs/secpipe/logging"
	"github.com/nosytlabs/secpipe/ratelimit"
)

// Pipeline runs the security stages in front of an http.Handler
type Pipeline struct {
	config config.SecurityConfig

	methods           map[string]bool
	blockedUserAgents []string
	blockedUAPatterns []*regexp.Regexp
	suspiciousURLs    []*regexp.Regexp
	proxies           *TrustedProxies

	limiter  *ratelimit.Limiter
	csrf     *CSRFGuard
	verifier TokenVerifier
	headers  *HeaderHardener
	events   *EventLogger
	alerts   AlertManager
	metrics  *Metrics
	tracer   trace.Tracer
	logger   logging.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLimiter enables the rate limit stage
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithLogger sets the pipeline logger
func WithLogger(logger logging.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithMetrics sets the Prometheus metrics
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer sets the tracer used for the per-request span
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithAlertManager sets the manager that receives high-risk events
func WithAlertManager(am AlertManager) Option {
	return func(p *Pipeline) { p.alerts = am }
}

// WithTokenVerifier enables signature verification of CSRF tokens
func WithTokenVerifier(v TokenVerifier) Option {
	return func(p *Pipeline) { p.verifier = v }
}

// WithEventLogger replaces the event logger built from the events config
func WithEventLogger(el *EventLogger) Option {
	return func(p *Pipeline) { p.events = el }
}

// NewPipeline builds the pipeline for cfg
func NewPipeline(cfg config.SecurityConfig, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		config:  cfg,
		methods: make(map[string]bool, len(cfg.AllowedMethods)),
		headers: NewHeaderHardener(cfg.Headers),
		tracer:  otel.Tracer(telemetry.TracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.NewNop()
	}
	p.logger = p.logger.WithComponent("pipeline")

	for _, m := range cfg.AllowedMethods {
		p.methods[strings.ToUpper(m)] = true
	}
	for _, ua := range cfg.BlockedUserAgents {
		if ua != "" {
			p.blockedUserAgents = append(p.blockedUserAgents, strings.ToLower(ua))
		}
	}
	for _, expr := range cfg.BlockedUserAgentPatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked user agent pattern %q: %w", expr, err)
		}
		p.blockedUAPatterns = append(p.blockedUAPatterns, re)
	}
	for _, expr := range cfg.SuspiciousURLPatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid suspicious URL pattern %q: %w", expr, err)
		}
		p.suspiciousURLs = append(p.suspiciousURLs, re)
	}

	proxies, err := ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	p.proxies = proxies

	if cfg.CSRF.Enabled {
		p.csrf = NewCSRFGuard(cfg.CSRF, p.verifier)
	}

	if p.events == nil {
		if p.alerts == nil && cfg.Events.Alerting {
			am, err := NewLogAlertManager(p.logger, p.metrics, cfg.Events.AlertCooldown)
			if err != nil {
				return nil, err
			}
			p.alerts = am
		}
		el, err := NewEventLogger(cfg.Events, p.logger,
			WithEventAlertManager(p.alerts),
			WithEventMetrics(p.metrics))
		if err != nil {
			return nil, err
		}
		p.events = el
	}

	return p, nil
}

// Events returns the event logger
func (p *Pipeline) Events() *EventLogger {
	return p.events
}

// Middleware wraps next with the security stages
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sc := newSecurityContext(r, p.proxies)

		ctx, span := telemetry.StartSpan(r.Context(), p.tracer, "security.pipeline",
			telemetry.NewSpanAttributeBuilder().
				Request(r.Method, r.URL.Path, sc.ClientIP).
				RequestID(sc.RequestID).
				Build()...)
		defer span.End()

		nonce := p.headers.Apply(w.Header())
		ctx = WithSecurityContext(ctx, sc)
		ctx = WithNonce(ctx, nonce)
		r = r.WithContext(ctx)

		sw := &statusWriter{ResponseWriter: w, headers: p.headers, nonce: nonce}

		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			p.logger.WithRequest(sc.RequestID).Error("panic in security pipeline",
				logging.Any("panic", rec),
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path))
			if !sw.wroteHeader {
				WriteRejection(sw, internalError)
			}
			telemetry.RecordError(span, fmt.Errorf("panic: %v", rec))
			p.finish(r, sc, span, EventInternalError, StageInternal, outcomeErrored, internalError, internalError.Status, start)
		}()

		if rej := p.checkRequest(r, sc); rej != nil {
			p.reject(sw, r, sc, span, StageRequest, EventBlockedRequest, rej, start)
			return
		}

		if p.limiter != nil {
			d := p.limiter.Check(ctx, r, sc.ClientIP)
			if d.Err != nil {
				telemetry.AddEvent(span, "ratelimit.store_unavailable")
			}
			if !d.Allowed {
				sc.AddThreat(TagRateLimitExceeded)
				p.metrics.recordRateLimited(string(d.Class))
				rej := &Rejection{
					Kind:       RateLimitExceeded,
					Status:     http.StatusTooManyRequests,
					Message:    "Too many requests",
					RetryAfter: d.RetryAfter,
					Reason:     fmt.Sprintf("%s limit of %d reached", d.Class, d.Limit),
				}
				p.reject(sw, r, sc, span, StageRateLimit, EventRateLimitExceeded, rej, start)
				return
			}
		}

		if p.csrf != nil {
			if rej := p.csrf.Check(r, sc); rej != nil {
				p.reject(sw, r, sc, span, StageCSRF, EventCSRFViolation, rej, start)
				return
			}
		}

		p.inspect(r, sc)
		if tags := sc.Threats(); len(tags) > 0 {
			telemetry.AddEvent(span, "security.threats_detected",
				telemetry.NewSpanAttributeBuilder().Int("threat.count", len(tags)).Build()...)
		}

		if p.config.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(sw, r.Body, p.config.MaxBodyBytes)
		}

		next.ServeHTTP(sw, r)

		telemetry.RecordSuccess(span)
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		p.finish(r, sc, span, EventRequestProcessed, StageHandler, outcomeAllowed, nil, status, start)
	})
}

// checkRequest applies the method, URL, user agent and size policy
func (p *Pipeline) checkRequest(r *http.Request, sc *SecurityContext) *Rejection {
	if !p.methods[r.Method] {
		sc.AddThreat(TagInvalidMethod)
		return validationRejection(http.StatusForbidden, "Method not allowed", "method "+r.Method+" not allowed")
	}

	uri := requestURI(r)
	if p.config.MaxURLLength > 0 && len(uri) > p.config.MaxURLLength {
		sc.AddThreat(TagURLTooLong)
		return validationRejection(http.StatusBadRequest, "Request URL too long",
			fmt.Sprintf("url length %d exceeds %d", len(uri), p.config.MaxURLLength))
	}

	ua := r.UserAgent()
	if strings.TrimSpace(ua) == "" {
		if p.config.RequireUserAgent {
			sc.AddThreat(TagMissingUserAgent)
			return validationRejection(http.StatusBadRequest, "Missing user agent", "user agent header absent")
		}
	} else if reason := p.blockedUserAgent(ua); reason != "" {
		sc.AddThreat(TagBlockedUserAgent)
		return validationRejection(http.StatusForbidden, "Forbidden", reason)
	}

	for _, re := range p.suspiciousURLs {
		if re.MatchString(uri) || re.MatchString(r.URL.Path) {
			sc.AddThreat(TagSuspiciousPattern)
			return validationRejection(http.StatusForbidden, "Forbidden", "url matches "+re.String())
		}
	}

	if p.config.MaxBodyBytes > 0 && r.ContentLength > p.config.MaxBodyBytes {
		sc.AddThreat(TagBodyTooLarge)
		return validationRejection(http.StatusBadRequest, "Request body too large",
			fmt.Sprintf("content length %d exceeds %d", r.ContentLength, p.config.MaxBodyBytes))
	}

	return nil
}

func (p *Pipeline) blockedUserAgent(ua string) string {
	lower := strings.ToLower(ua)
	for _, s := range p.blockedUserAgents {
		if strings.Contains(lower, s) {
			return "blocked user agent " + s
		}
	}
	for _, re := range p.blockedUAPatterns {
		if re.MatchString(ua) {
			return "user agent matches " + re.String()
		}
	}
	return ""
}

// inspect runs threat detection over the query, path and inspected headers.
// Findings only raise the risk score.
func (p *Pipeline) inspect(r *http.Request, sc *SecurityContext) {
	for _, values := range r.URL.Query() {
		for _, v := range values {
			for _, t := range ThreatTypes(DetectThreats(v)) {
				sc.AddThreat(TagForThreat(t))
			}
		}
	}

	for _, t := range ThreatTypes(DetectThreats(r.URL.Path)) {
		sc.AddThreat(TagForThreat(t))
	}

	for _, name := range p.config.InspectHeaders {
		for _, v := range r.Header.Values(name) {
			if len(DetectThreats(v)) > 0 {
				sc.AddThreat(TagMaliciousHeader)
				break
			}
		}
	}
}

func (p *Pipeline) reject(w http.ResponseWriter, r *http.Request, sc *SecurityContext, span trace.Span, stage, eventType string, rej *Rejection, start time.Time) {
	WriteRejection(w, rej)
	telemetry.AddEvent(span, "security.rejected",
		telemetry.NewSpanAttributeBuilder().Rejection(stage, rej.Status).Build()...)
	p.finish(r, sc, span, eventType, stage, outcomeBlocked, rej, rej.Status, start)
}

// finish records metrics, span attributes and the security event for one request
func (p *Pipeline) finish(r *http.Request, sc *SecurityContext, span trace.Span, eventType, stage, outcome string, rej *Rejection, status int, start time.Time) {
	level := sc.RiskLevel()
	score := sc.RiskScore()
	tags := sc.Threats()

	span.SetAttributes(telemetry.NewSpanAttributeBuilder().
		Security(level.String(), score, len(tags)).
		Build()...)

	p.metrics.recordThreats(tags)
	p.metrics.recordRequest(outcome, stage, time.Since(start), score)

	ev := SecurityEvent{
		Type:      eventType,
		IP:        sc.ClientIP,
		UserAgent: sc.UserAgent,
		URL:       requestURI(r),
		Method:    r.Method,
		Headers:   RedactHeaders(r.Header, p.config.CSRF.HeaderName),
		RiskScore: score,
		Severity:  SeverityForRisk(level),
		Blocked:   rej != nil && rej.Kind != InternalPipelineError,
		Timestamp: time.Now(),
		RequestID: sc.RequestID,
		Metadata: map[string]interface{}{
			"stage":   stage,
			"status":  status,
			"threats": tags,
		},
	}
	if rej != nil {
		ev.Reason = rej.Reason
	}
	p.events.LogEvent(r.Context(), ev)
}

func requestURI(r *http.Request) string {
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}

// statusWriter records the response status and re-asserts the security
// headers before the downstream handler's status line goes out.
type statusWriter struct {
	http.ResponseWriter
	headers     *HeaderHardener
	nonce       string
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	w.headers.applyNonce(w.Header(), w.nonce)
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if !w.wroteHeader {
			w.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
