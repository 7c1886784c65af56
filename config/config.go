// Package config resolves the pipeline configuration once at startup.
//
// Layers are applied in order: Default, an environment preset, an optional
// YAML or JSON file, and runtime overrides. The result is a plain struct.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/nosytlabs/secpipe/internal/telemetry"
	"github.com/nosytlabs/secpipe/logging"
	"github.com/nosytlabs/secpipe/ratelimit"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the fully resolved configuration
type Config struct {
	Name        string                 `json:"name" yaml:"name" validate:"required"`
	Environment string                 `json:"environment" yaml:"environment" validate:"omitempty,oneof=development production"`
	Server      ServerConfig           `json:"server" yaml:"server"`
	Security    SecurityConfig         `json:"security" yaml:"security"`
	RateLimit   RateLimitConfig        `json:"rate_limit" yaml:"rate_limit"`
	Logging     logging.Config         `json:"logging" yaml:"logging"`
	Telemetry   telemetry.TracerConfig `json:"telemetry" yaml:"telemetry"`
	Metrics     MetricsConfig          `json:"metrics" yaml:"metrics"`
}

// ServerConfig holds HTTP listener settings for the demo server
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// SecurityConfig drives the request pipeline stages
type SecurityConfig struct {
	AllowedMethods   []string `json:"allowed_methods" yaml:"allowed_methods" validate:"min=1,dive,required"`
	MaxURLLength     int      `json:"max_url_length" yaml:"max_url_length" validate:"gt=0"`
	MaxBodyBytes     int64    `json:"max_body_bytes" yaml:"max_body_bytes" validate:"gte=0"`
	RequireUserAgent bool     `json:"require_user_agent" yaml:"require_user_agent"`

	// BlockedUserAgents are matched as case-insensitive substrings.
	BlockedUserAgents []string `json:"blocked_user_agents" yaml:"blocked_user_agents"`
	// BlockedUserAgentPatterns are regular expressions.
	BlockedUserAgentPatterns []string `json:"blocked_user_agent_patterns" yaml:"blocked_user_agent_patterns"`
	SuspiciousURLPatterns    []string `json:"suspicious_url_patterns" yaml:"suspicious_url_patterns"`
	// InspectHeaders are request headers run through threat detection.
	InspectHeaders []string `json:"inspect_headers" yaml:"inspect_headers"`
	// TrustedProxies are IPs or CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means the connection address is used.
	TrustedProxies []string `json:"trusted_proxies" yaml:"trusted_proxies" validate:"dive,cidr|ip"`

	CSRF    CSRFConfig    `json:"csrf" yaml:"csrf"`
	Headers HeadersConfig `json:"headers" yaml:"headers"`
	Events  EventsConfig  `json:"events" yaml:"events"`
}

// CSRFConfig configures the CSRF guard and token issuer
type CSRFConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	HeaderName     string   `json:"header_name" yaml:"header_name" validate:"required_if=Enabled true"`
	MinTokenLength int      `json:"min_token_length" yaml:"min_token_length" validate:"gte=0"`
	ExemptPaths    []string `json:"exempt_paths" yaml:"exempt_paths"`

	// VerifyTokens requires tokens to carry a valid signature bound to the session cookie.
	VerifyTokens  bool          `json:"verify_tokens" yaml:"verify_tokens"`
	Secret        string        `json:"secret" yaml:"secret" validate:"required_if=VerifyTokens true,omitempty,min=32"`
	TokenTTL      time.Duration `json:"token_ttl" yaml:"token_ttl"`
	SessionCookie string        `json:"session_cookie" yaml:"session_cookie"`
	SecureCookie  bool          `json:"secure_cookie" yaml:"secure_cookie"`
}

// HeadersConfig holds the response security headers. Empty values are not set.
type HeadersConfig struct {
	ContentSecurityPolicy   string `json:"content_security_policy" yaml:"content_security_policy"`
	ContentTypeOptions      string `json:"content_type_options" yaml:"content_type_options"`
	FrameOptions            string `json:"frame_options" yaml:"frame_options"`
	ReferrerPolicy          string `json:"referrer_policy" yaml:"referrer_policy"`
	PermissionsPolicy       string `json:"permissions_policy" yaml:"permissions_policy"`
	StrictTransportSecurity string `json:"strict_transport_security" yaml:"strict_transport_security"`
	CrossOriginOpenerPolicy string `json:"cross_origin_opener_policy" yaml:"cross_origin_opener_policy"`
}

// EventsConfig controls security event logging and alerting
type EventsConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Alerting      bool          `json:"alerting" yaml:"alerting"`
	AlertCooldown time.Duration `json:"alert_cooldown" yaml:"alert_cooldown"`
	HistorySize   int           `json:"history_size" yaml:"history_size" validate:"gte=0"`
	HistoryIPs    int           `json:"history_ips" yaml:"history_ips" validate:"gte=0"`

	// WebhookURL receives alert batches in addition to the alert log line.
	WebhookURL           string        `json:"webhook_url" yaml:"webhook_url" validate:"omitempty,url"`
	WebhookTimeout       time.Duration `json:"webhook_timeout" yaml:"webhook_timeout"`
	WebhookBatchSize     int           `json:"webhook_batch_size" yaml:"webhook_batch_size" validate:"gte=0"`
	WebhookFlushInterval time.Duration `json:"webhook_flush_interval" yaml:"webhook_flush_interval"`
}

// RateLimitConfig selects the store and the per-class rules
type RateLimitConfig struct {
	Enabled        bool                               `json:"enabled" yaml:"enabled"`
	Store          string                             `json:"store" yaml:"store" validate:"oneof=memory redis"`
	MemoryCapacity int                                `json:"memory_capacity" yaml:"memory_capacity" validate:"gte=0"`
	Redis          ratelimit.RedisConfig              `json:"redis" yaml:"redis"`
	Rules          map[ratelimit.Class]ratelimit.Rule `json:"rules" yaml:"rules"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Path      string `json:"path" yaml:"path" validate:"required_if=Enabled true"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// Default returns the base configuration shared by every environment
func Default() *Config {
	return &Config{
		Name:        "secpipe",
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Security: DefaultSecurityConfig(),
		RateLimit: RateLimitConfig{
			Enabled:        true,
			Store:          "memory",
			MemoryCapacity: ratelimit.DefaultMemoryCapacity,
			Redis: ratelimit.RedisConfig{
				Addrs:     []string{"localhost:6379"},
				PoolSize:  10,
				KeyPrefix: ratelimit.DefaultKeyPrefix,
			},
			Rules: ratelimit.DefaultRules(),
		},
		Logging: logging.Config{
			Name:   "secpipe",
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Telemetry: telemetry.DefaultTracerConfig(),
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "secpipe",
		},
	}
}

// DefaultSecurityConfig returns the built-in pipeline policy
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		AllowedMethods: []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		MaxURLLength:   2048,
		MaxBodyBytes:   1 << 20,
		BlockedUserAgents: []string{
			"sqlmap", "nikto", "nmap", "masscan", "zgrab", "dirbuster",
			"gobuster", "wpscan", "acunetix", "nessus", "havij",
		},
		SuspiciousURLPatterns: []string{
			`\.\./`,
			`(?i)%2e%2e(%2f|/|%5c)`,
			`(?i)/etc/passwd`,
			`(?i)<script`,
			`(?i)%3cscript`,
			`(?i)union(\s|%20|\+)+select`,
			`(?i)/\.(env|git|htaccess|svn)(/|$)`,
			`(?i)(wp-admin|wp-login\.php|phpmyadmin)`,
		},
		InspectHeaders: []string{"Referer", "X-Forwarded-Host"},
		CSRF: CSRFConfig{
			Enabled:        true,
			HeaderName:     "X-CSRF-Token",
			MinTokenLength: 32,
			ExemptPaths:    []string{"/api/webhooks"},
			TokenTTL:       time.Hour,
			SessionCookie:  "secpipe_session",
		},
		Headers: HeadersConfig{
			ContentSecurityPolicy: "default-src 'self'; script-src 'self' 'nonce-{nonce}'; " +
				"style-src 'self' 'unsafe-inline'; img-src 'self' data: https:; font-src 'self' data:; " +
				"connect-src 'self'; frame-ancestors 'none'; base-uri 'self'; form-action 'self'",
			ContentTypeOptions:      "nosniff",
			FrameOptions:            "DENY",
			ReferrerPolicy:          "strict-origin-when-cross-origin",
			PermissionsPolicy:       "camera=(), microphone=(), geolocation=(), payment=()",
			StrictTransportSecurity: "max-age=31536000; includeSubDomains; preload",
			CrossOriginOpenerPolicy: "same-origin",
		},
		Events: EventsConfig{
			Enabled:       true,
			Alerting:      false,
			AlertCooldown: 5 * time.Minute,
			HistorySize:   20,
			HistoryIPs:    10_000,

			WebhookTimeout:       10 * time.Second,
			WebhookBatchSize:     20,
			WebhookFlushInterval: 5 * time.Second,
		},
	}
}

// ApplyEnvironment layers an environment preset onto c
func (c *Config) ApplyEnvironment(env string) error {
	switch env {
	case "", EnvDevelopment:
		c.Environment = EnvDevelopment
		c.Logging.Level = "debug"
		c.Logging.Format = "text"
		c.Logging.Async = false
		c.Telemetry.Environment = EnvDevelopment
	case EnvProduction:
		c.Environment = EnvProduction
		c.Logging.Level = "info"
		c.Logging.Format = "json"
		c.Logging.Async = true
		c.Logging.BufferSize = 4096
		c.Security.RequireUserAgent = true
		c.Security.CSRF.VerifyTokens = true
		c.Security.CSRF.SecureCookie = true
		c.Security.Events.Alerting = true
		c.Telemetry.Environment = EnvProduction
		c.Telemetry.SamplingRatio = 0.1
	default:
		return fmt.Errorf("unknown environment: %s", env)
	}
	return nil
}

// LoadFile layers a YAML or JSON file onto c. Only keys present in the file change.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".json":
		err = json.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config file extension: %s", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Overrides are runtime flags applied last. Nil fields leave the value unchanged.
type Overrides struct {
	Addr              *string
	LogLevel          *string
	LogFormat         *string
	RateLimitStore    *string
	RedisAddr         *string
	CSRFSecret        *string
	TelemetryExporter *string
	Alerting          *bool
	AlertWebhook      *string
	TrustedProxies    []string
}

// ApplyOverrides layers runtime flags onto c
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Addr != nil {
		c.Server.Addr = *o.Addr
	}
	if o.LogLevel != nil {
		c.Logging.Level = *o.LogLevel
	}
	if o.LogFormat != nil {
		c.Logging.Format = *o.LogFormat
	}
	if o.RateLimitStore != nil {
		c.RateLimit.Store = *o.RateLimitStore
	}
	if o.RedisAddr != nil {
		c.RateLimit.Redis.Addrs = []string{*o.RedisAddr}
	}
	if o.CSRFSecret != nil {
		c.Security.CSRF.Secret = *o.CSRFSecret
	}
	if o.TelemetryExporter != nil {
		c.Telemetry.ExporterType = *o.TelemetryExporter
		c.Telemetry.Enabled = *o.TelemetryExporter != "noop"
	}
	if o.Alerting != nil {
		c.Security.Events.Alerting = *o.Alerting
	}
	if o.AlertWebhook != nil {
		c.Security.Events.WebhookURL = *o.AlertWebhook
	}
	if o.TrustedProxies != nil {
		c.Security.TrustedProxies = o.TrustedProxies
	}
}

// LoadOptions selects the layers passed to Load
type LoadOptions struct {
	Environment string
	File        string
	Overrides   Overrides
}

// Load resolves and validates the configuration
func Load(opts LoadOptions) (*Config, error) {
	cfg := Default()
	if err := cfg.ApplyEnvironment(opts.Environment); err != nil {
		return nil, err
	}
	if opts.File != "" {
		if err := cfg.LoadFile(opts.File); err != nil {
			return nil, err
		}
	}
	cfg.ApplyOverrides(opts.Overrides)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks struct constraints and that every pattern compiles
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for _, p := range c.Security.BlockedUserAgentPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid blocked user agent pattern %q: %w", p, err)
		}
	}
	for _, p := range c.Security.SuspiciousURLPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid suspicious URL pattern %q: %w", p, err)
		}
	}

	for class, rule := range c.RateLimit.Rules {
		if rule.Max < 0 || rule.Window < 0 {
			return fmt.Errorf("invalid rate limit rule for %s: window and max must not be negative", class)
		}
	}
	if c.RateLimit.Enabled && c.RateLimit.Store == "redis" && len(c.RateLimit.Redis.Addrs) == 0 {
		return fmt.Errorf("redis address is required when the redis rate limit store is selected")
	}

	return nil
}

// FeatureSummary reports which optional features are enabled
func (c *Config) FeatureSummary() map[string]bool {
	return map[string]bool{
		"rate_limit":    c.RateLimit.Enabled,
		"csrf":          c.Security.CSRF.Enabled,
		"csrf_verify":   c.Security.CSRF.VerifyTokens,
		"events":        c.Security.Events.Enabled,
		"alerting":      c.Security.Events.Alerting,
		"alert_webhook": c.Security.Events.Alerting && c.Security.Events.WebhookURL != "",
		"metrics":       c.Metrics.Enabled,
		"telemetry":     c.Telemetry.Enabled,
		"redis_limiter": c.RateLimit.Store == "redis",
	}
}
