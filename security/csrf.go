package security

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nosytlabs/secpipe/config"
	"github.com/nosytlabs/secpipe/logging"
)

const (
	// DefaultSessionCookie is used when no session cookie name is configured
	DefaultSessionCookie = "secpipe_session"
	// DefaultCSRFHeader is used when no token header name is configured
	DefaultCSRFHeader = "X-CSRF-Token"
)

// TokenVerifier checks that a CSRF token was issued for sessionID
type TokenVerifier interface {
	VerifyToken(token, sessionID string) error
}

// CSRFGuard rejects state-changing requests without a well-formed token
type CSRFGuard struct {
	config   config.CSRFConfig
	verifier TokenVerifier
}

// NewCSRFGuard creates a guard. verifier may be nil, in which case only token
// presence and length are checked.
func NewCSRFGuard(cfg config.CSRFConfig, verifier TokenVerifier) *CSRFGuard {
	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultCSRFHeader
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = DefaultSessionCookie
	}
	return &CSRFGuard{config: cfg, verifier: verifier}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Exempt reports whether path is under a configured exempt prefix
func (g *CSRFGuard) Exempt(path string) bool {
	for _, prefix := range g.config.ExemptPaths {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Check returns nil when r passes, else a 403 rejection. Failures are recorded on sc.
func (g *CSRFGuard) Check(r *http.Request, sc *SecurityContext) *Rejection {
	if isSafeMethod(r.Method) || g.Exempt(r.URL.Path) {
		return nil
	}

	token := strings.TrimSpace(r.Header.Get(g.config.HeaderName))
	if token == "" {
		sc.AddThreat(TagCSRFMissing)
		return &Rejection{Kind: CsrfFailure, Status: http.StatusForbidden, Message: "CSRF token missing", Reason: "csrf token header absent"}
	}

	if len(token) < g.config.MinTokenLength {
		sc.AddThreat(TagCSRFInvalid)
		return &Rejection{Kind: CsrfFailure, Status: http.StatusForbidden, Message: "Invalid CSRF token", Reason: "csrf token too short"}
	}

	if g.verifier != nil {
		if err := g.verifier.VerifyToken(token, sessionIDFromRequest(r, g.config.SessionCookie)); err != nil {
			sc.AddThreat(TagCSRFInvalid)
			return &Rejection{Kind: CsrfFailure, Status: http.StatusForbidden, Message: "Invalid CSRF token", Reason: err.Error()}
		}
	}

	return nil
}

func sessionIDFromRequest(r *http.Request, cookieName string) string {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// csrfClaims binds a token to a session
type csrfClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

const csrfIssuer = "secpipe"

// CSRFTokenIssuer issues and verifies HMAC-signed, session-bound, expiring CSRF tokens
type CSRFTokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// IssuerOption configures a CSRFTokenIssuer
type IssuerOption func(*CSRFTokenIssuer)

// WithIssuerClock overrides the issuer time source
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *CSRFTokenIssuer) { i.now = now }
}

// NewCSRFTokenIssuer creates an issuer. secret must be at least 32 bytes.
func NewCSRFTokenIssuer(secret []byte, ttl time.Duration, opts ...IssuerOption) (*CSRFTokenIssuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("csrf secret must be at least 32 bytes, got %d", len(secret))
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	i := &CSRFTokenIssuer{secret: secret, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue returns a token bound to sessionID and its expiry
func (i *CSRFTokenIssuer) Issue(sessionID string) (string, time.Time, error) {
	if sessionID == "" {
		return "", time.Time{}, fmt.Errorf("session ID is required")
	}

	now := i.now()
	expires := now.Add(i.ttl)
	claims := csrfClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    csrfIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign csrf token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks the signature, expiry and session binding of token
func (i *CSRFTokenIssuer) Verify(token, sessionID string) error {
	claims := &csrfClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(csrfIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if sessionID == "" || subtle.ConstantTimeCompare([]byte(claims.SessionID), []byte(sessionID)) != 1 {
		return fmt.Errorf("%w: session mismatch", ErrInvalidToken)
	}
	return nil
}

// VerifyToken implements TokenVerifier
func (i *CSRFTokenIssuer) VerifyToken(token, sessionID string) error {
	return i.Verify(token, sessionID)
}

// csrfTokenResponse is the body returned by TokenHandler
type csrfTokenResponse struct {
	Token     string    `json:"csrfToken"`
	Header    string    `json:"headerName"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenHandler serves freshly issued tokens. It creates the session cookie
// when the client does not have one yet.
func TokenHandler(issuer *CSRFTokenIssuer, cfg config.CSRFConfig, logger logging.Logger) http.HandlerFunc {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithComponent("csrf")
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = DefaultSessionCookie
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultCSRFHeader
	}

	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := sessionIDFromRequest(r, cfg.SessionCookie)
		if sessionID == "" {
			sessionID = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     cfg.SessionCookie,
				Value:    sessionID,
				Path:     "/",
				HttpOnly: true,
				Secure:   cfg.SecureCookie,
				SameSite: http.SameSiteStrictMode,
			})
		}

		token, expires, err := issuer.Issue(sessionID)
		if err != nil {
			logger.Error("failed to issue csrf token", logging.Err(err))
			WriteRejection(w, internalError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(csrfTokenResponse{
			Token:     token,
			Header:    cfg.HeaderName,
			ExpiresAt: expires,
		})
	}
}
