package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/nosytlabs/secpipe/logging"
)

// Class groups routes that share a rate limit rule
type Class string

const (
	ClassAuth    Class = "auth"
	ClassContact Class = "contact"
	ClassUpload  Class = "upload"
	ClassAPI     Class = "api"
	ClassGeneral Class = "general"
)

// Rule is the limit applied to one route class
type Rule struct {
	Window time.Duration `json:"window" yaml:"window"`
	Max    int           `json:"max" yaml:"max"`
}

// routePrefixes is checked in order; first match wins.
var routePrefixes = []struct {
	prefix string
	class  Class
}{
	{"/api/auth", ClassAuth},
	{"/login", ClassAuth},
	{"/admin/login", ClassAuth},
	{"/api/contact", ClassContact},
	{"/api/booking", ClassContact},
	{"/contact", ClassContact},
	{"/api/upload", ClassUpload},
	{"/api", ClassAPI},
}

// Classify maps a URL path to its route class
func Classify(path string) Class {
	for _, rp := range routePrefixes {
		if strings.HasPrefix(path, rp.prefix) {
			return rp.class
		}
	}
	return ClassGeneral
}

// Key derives the store key for a class and client IP
func Key(class Class, clientIP string) string {
	return string(class) + ":" + clientIP
}

// DefaultRules returns the built-in limits per route class
func DefaultRules() map[Class]Rule {
	return map[Class]Rule{
		ClassAuth:    {Window: 15 * time.Minute, Max: 5},
		ClassContact: {Window: time.Hour, Max: 10},
		ClassUpload:  {Window: time.Hour, Max: 20},
		ClassAPI:     {Window: time.Minute, Max: 60},
		ClassGeneral: {Window: time.Minute, Max: 100},
	}
}

// RetryAfterSeconds converts a window into a Retry-After header value, rounding up
func RetryAfterSeconds(window time.Duration) int {
	if window <= 0 {
		return 0
	}
	return int(math.Ceil(window.Seconds()))
}

// Decision is the outcome of checking one request
type Decision struct {
	Allowed    bool
	Class      Class
	Key        string
	Count      int
	Limit      int
	RetryAfter time.Duration
	// Err is set when the store failed and the request was let through.
	Err error
}

// Limiter applies per-class sliding-window limits on top of a Store
type Limiter struct {
	store  Store
	rules  map[Class]Rule
	now    func() time.Time
	logger logging.Logger
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithRules overrides rules for the given classes; other classes keep their defaults
func WithRules(rules map[Class]Rule) Option {
	return func(l *Limiter) {
		for class, rule := range rules {
			l.rules[class] = rule
		}
	}
}

// WithLogger sets the logger used for store failures
func WithLogger(logger logging.Logger) Option {
	return func(l *Limiter) { l.logger = logger.WithComponent("ratelimit") }
}

// NewLimiter creates a limiter backed by store
func NewLimiter(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		rules:  DefaultRules(),
		now:    time.Now,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Rule returns the rule for a class
func (l *Limiter) Rule(class Class) Rule {
	if rule, ok := l.rules[class]; ok {
		return rule
	}
	return l.rules[ClassGeneral]
}

// CheckAndRecord reports whether a hit for key is within max per window and records it if so.
// Store failures fail open: the hit is allowed and the error returned.
func (l *Limiter) CheckAndRecord(ctx context.Context, key string, window time.Duration, max int) (bool, error) {
	res, err := l.store.Record(ctx, key, l.now(), window, max)
	if err != nil {
		l.logger.Warn("rate limit store failed, allowing request",
			logging.String("key", key),
			logging.Err(err))
		return true, err
	}
	return res.Allowed, nil
}

// Check classifies r, applies the class rule for clientIP and records the hit
func (l *Limiter) Check(ctx context.Context, r *http.Request, clientIP string) Decision {
	class := Classify(r.URL.Path)
	rule := l.Rule(class)
	d := Decision{
		Allowed: true,
		Class:   class,
		Key:     Key(class, clientIP),
		Limit:   rule.Max,
	}
	if rule.Max <= 0 || rule.Window <= 0 {
		return d
	}

	res, err := l.store.Record(ctx, d.Key, l.now(), rule.Window, rule.Max)
	if err != nil {
		l.logger.Warn("rate limit store failed, allowing request",
			logging.String("key", d.Key),
			logging.String("class", string(class)),
			logging.Err(err))
		d.Err = err
		return d
	}

	d.Allowed = res.Allowed
	d.Count = res.Count
	if !res.Allowed {
		d.RetryAfter = rule.Window
	}
	return d
}

// Close closes the underlying store
func (l *Limiter) Close() error {
	return l.store.Close()
}
