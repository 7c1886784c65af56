package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RiskLevel is the coarse risk of a request. It only ever escalates.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (r RiskLevel) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ThreatTag labels a signal recorded on a SecurityContext
type ThreatTag string

// Critical tags escalate a request straight to high risk
const (
	TagBlockedUserAgent  ThreatTag = "blocked_user_agent"
	TagSuspiciousPattern ThreatTag = "suspicious_pattern"
	TagRateLimitExceeded ThreatTag = "rate_limit_exceeded"
	TagCSRFMissing       ThreatTag = "csrf_missing"
	TagCSRFInvalid       ThreatTag = "csrf_invalid"
	TagMaliciousHeader   ThreatTag = "malicious_header"
	TagInvalidMethod     ThreatTag = "invalid_method"
	TagURLTooLong        ThreatTag = "url_too_long"
)

// Non-critical request policy tags
const (
	TagMissingUserAgent ThreatTag = "missing_user_agent"
	TagBodyTooLarge     ThreatTag = "body_too_large"
)

var criticalTags = map[ThreatTag]bool{
	TagBlockedUserAgent:  true,
	TagSuspiciousPattern: true,
	TagRateLimitExceeded: true,
	TagCSRFMissing:       true,
	TagCSRFInvalid:       true,
	TagMaliciousHeader:   true,
	TagInvalidMethod:     true,
	TagURLTooLong:        true,
}

// Risk scoring weights
const (
	criticalWeight = 40
	contentWeight  = 15
	mediumScore    = 15
	maxScore       = 100
)

// IsCritical reports whether tag escalates directly to high risk
func IsCritical(tag ThreatTag) bool {
	return criticalTags[tag]
}

// TagForThreat converts a detector category into a content tag
func TagForThreat(t ThreatType) ThreatTag {
	return ThreatTag(t)
}

// SecurityContext accumulates the security signals for one request
type SecurityContext struct {
	RequestID string
	ClientIP  string
	UserAgent string
	Timestamp time.Time
	Method    string
	Path      string

	mu      sync.Mutex
	threats []ThreatTag
	risk    RiskLevel
	score   int
}

// NewSecurityContext creates the context for r.
// The client IP is the connection address; see TrustedProxies.
func NewSecurityContext(r *http.Request) *SecurityContext {
	return newSecurityContext(r, nil)
}

func newSecurityContext(r *http.Request, proxies *TrustedProxies) *SecurityContext {
	return &SecurityContext{
		RequestID: uuid.NewString(),
		ClientIP:  proxies.ClientIP(r),
		UserAgent: r.UserAgent(),
		Timestamp: time.Now(),
		Method:    r.Method,
		Path:      r.URL.Path,
	}
}

// AddThreat appends tag and escalates risk.
// Critical tags add 40 and force high. Other tags add 15 and raise the level
// to medium at most.
func (sc *SecurityContext) AddThreat(tag ThreatTag) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.threats = append(sc.threats, tag)

	weight := contentWeight
	if IsCritical(tag) {
		weight = criticalWeight
	}
	sc.score += weight
	if sc.score > maxScore {
		sc.score = maxScore
	}

	level := RiskLow
	switch {
	case IsCritical(tag):
		level = RiskHigh
	case sc.score >= mediumScore:
		level = RiskMedium
	}
	if level > sc.risk {
		sc.risk = level
	}
}

// Threats returns a copy of the recorded tags in order
func (sc *SecurityContext) Threats() []ThreatTag {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]ThreatTag, len(sc.threats))
	copy(out, sc.threats)
	return out
}

// HasThreat reports whether tag was recorded
func (sc *SecurityContext) HasThreat(tag ThreatTag) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, t := range sc.threats {
		if t == tag {
			return true
		}
	}
	return false
}

// RiskLevel returns the current risk level
func (sc *SecurityContext) RiskLevel() RiskLevel {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.risk
}

// RiskScore returns the current score in [0, 100]
func (sc *SecurityContext) RiskScore() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.score
}

type contextKey int

const (
	securityContextKey contextKey = iota
	nonceContextKey
)

// WithSecurityContext returns a copy of ctx carrying sc
func WithSecurityContext(ctx context.Context, sc *SecurityContext) context.Context {
	return context.WithValue(ctx, securityContextKey, sc)
}

// AnnotateThreats records content threats found after the pipeline ran, such
// as those in a form body, on the request's SecurityContext. Each threat type
// is recorded once. It reports whether a SecurityContext was found.
func AnnotateThreats(ctx context.Context, threats []Threat) bool {
	sc, ok := FromContext(ctx)
	if !ok {
		return false
	}
	for _, t := range threats {
		tag := TagForThreat(t.Type)
		if !sc.HasThreat(tag) {
			sc.AddThreat(tag)
		}
	}
	return true
}

// FromContext returns the SecurityContext stored by the pipeline, if any
func FromContext(ctx context.Context) (*SecurityContext, bool) {
	sc, ok := ctx.Value(securityContextKey).(*SecurityContext)
	return sc, ok
}

// ClientIP returns the connection address of r. Forwarding headers are
// ignored; use TrustedProxies.ClientIP behind a reverse proxy.
func ClientIP(r *http.Request) string {
	return remoteHost(r)
}

// TrustedProxies is the set of peers whose forwarding headers are believed.
// A nil *TrustedProxies trusts nobody.
type TrustedProxies struct {
	nets []*net.IPNet
}

// ParseTrustedProxies parses IP addresses and CIDR ranges
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	tp := &TrustedProxies{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", entry)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			entry = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		tp.nets = append(tp.nets, ipnet)
	}
	return tp, nil
}

// Trusts reports whether addr is a trusted proxy
func (tp *TrustedProxies) Trusts(addr string) bool {
	if tp == nil {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return false
	}
	for _, n := range tp.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP resolves the client address of r. Forwarding headers are only read
// when the connection comes from a trusted proxy. X-Forwarded-For is walked
// right to left and the first untrusted hop wins.
func (tp *TrustedProxies) ClientIP(r *http.Request) string {
	remote := remoteHost(r)
	if !tp.Trusts(remote) {
		return remote
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" || net.ParseIP(hop) == nil {
				// a malformed hop ends the chain we can vouch for
				return remote
			}
			if !tp.Trusts(hop) || i == 0 {
				return hop
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return remote
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
