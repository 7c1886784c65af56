package security

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nosytlabs/secpipe/config"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestCSRFGuardCheck(t *testing.T) {
	guard := NewCSRFGuard(config.DefaultSecurityConfig().CSRF, nil)
	validToken := strings.Repeat("t", 32)

	tests := []struct {
		name        string
		method      string
		path        string
		token       string
		wantMessage string
		wantTag     ThreatTag
	}{
		{"safe method", "GET", "/api/items", "", "", ""},
		{"head", "HEAD", "/api/items", "", "", ""},
		{"options", "OPTIONS", "/api/items", "", "", ""},
		{"missing token", "POST", "/api/items", "", "CSRF token missing", TagCSRFMissing},
		{"short token", "POST", "/api/items", "short", "Invalid CSRF token", TagCSRFInvalid},
		{"valid token", "PUT", "/api/items", validToken, "", ""},
		{"exempt path", "POST", "/api/webhooks/stripe", "", "", ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			r := httptest.NewRequest(test.method, test.path, nil)
			if test.token != "" {
				r.Header.Set("X-CSRF-Token", test.token)
			}
			sc := NewSecurityContext(r)

			rej := guard.Check(r, sc)
			if test.wantMessage == "" {
				if rej != nil {
					t.Errorf("Expected request to pass, got %v", rej)
				}
				return
			}
			if rej == nil {
				t.Fatal("Expected rejection")
			}
			if rej.Status != http.StatusForbidden || rej.Kind != CsrfFailure {
				t.Errorf("Expected 403 csrf failure, got %d %s", rej.Status, rej.Kind)
			}
			if rej.Message != test.wantMessage {
				t.Errorf("Expected message %q, got %q", test.wantMessage, rej.Message)
			}
			if !sc.HasThreat(test.wantTag) {
				t.Errorf("Expected tag %s, got %v", test.wantTag, sc.Threats())
			}
			if sc.RiskLevel() != RiskHigh {
				t.Errorf("Expected high risk, got %s", sc.RiskLevel())
			}
		})
	}
}

func TestCSRFTokenIssuer(t *testing.T) {
	if _, err := NewCSRFTokenIssuer([]byte("too-short"), time.Hour); err == nil {
		t.Fatal("Expected error for short secret")
	}

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewCSRFTokenIssuer(testSecret, time.Hour, WithIssuerClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	token, expires, err := issuer.Issue("session-1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !expires.Equal(now.Add(time.Hour)) {
		t.Errorf("Expected expiry %v, got %v", now.Add(time.Hour), expires)
	}
	if len(token) < 32 {
		t.Errorf("Expected token of at least 32 characters, got %d", len(token))
	}

	if err := issuer.Verify(token, "session-1"); err != nil {
		t.Errorf("Expected valid token, got %v", err)
	}
	if err := issuer.Verify(token, "session-2"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for other session, got %v", err)
	}
	if err := issuer.Verify(token, ""); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken without session, got %v", err)
	}

	secondToken, _, err := issuer.Issue("session-2")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	parts := strings.Split(token, ".")
	spliced := strings.Split(secondToken, ".")
	tampered := parts[0] + "." + spliced[1] + "." + parts[2]
	if err := issuer.Verify(tampered, "session-2"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for tampered token, got %v", err)
	}

	otherIssuer, _ := NewCSRFTokenIssuer([]byte("fedcba9876543210fedcba9876543210"), time.Hour,
		WithIssuerClock(func() time.Time { return now }))
	if err := otherIssuer.Verify(token, "session-1"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected ErrInvalidToken for other secret, got %v", err)
	}

	now = now.Add(2 * time.Hour)
	if err := issuer.Verify(token, "session-1"); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Expected ErrTokenExpired, got %v", err)
	}

	if _, _, err := issuer.Issue(""); err == nil {
		t.Error("Expected error for empty session")
	}
}

func TestCSRFGuardWithVerifier(t *testing.T) {
	issuer, err := NewCSRFTokenIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	guard := NewCSRFGuard(config.DefaultSecurityConfig().CSRF, issuer)

	token, _, err := issuer.Issue("session-1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	r := httptest.NewRequest("POST", "/api/contact", nil)
	r.Header.Set("X-CSRF-Token", token)
	r.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: "session-1"})
	if rej := guard.Check(r, NewSecurityContext(r)); rej != nil {
		t.Errorf("Expected token to verify, got %v", rej)
	}

	r = httptest.NewRequest("POST", "/api/contact", nil)
	r.Header.Set("X-CSRF-Token", token)
	r.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: "session-2"})
	sc := NewSecurityContext(r)
	rej := guard.Check(r, sc)
	if rej == nil || rej.Message != "Invalid CSRF token" {
		t.Fatalf("Expected invalid token rejection, got %v", rej)
	}
	if !sc.HasThreat(TagCSRFInvalid) {
		t.Error("Expected csrf_invalid tag")
	}

	r = httptest.NewRequest("POST", "/api/contact", nil)
	r.Header.Set("X-CSRF-Token", strings.Repeat("a", 40))
	r.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: "session-1"})
	if rej := guard.Check(r, NewSecurityContext(r)); rej == nil {
		t.Error("Expected forged token to be rejected")
	}
}

func TestTokenHandler(t *testing.T) {
	issuer, err := NewCSRFTokenIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	cfg := config.DefaultSecurityConfig().CSRF
	handler := TokenHandler(issuer, cfg, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/csrf-token", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body struct {
		Token      string `json:"csrfToken"`
		HeaderName string `json:"headerName"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Expected JSON body, got %v", err)
	}
	if body.HeaderName != "X-CSRF-Token" {
		t.Errorf("Expected header name X-CSRF-Token, got %s", body.HeaderName)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != DefaultSessionCookie {
		t.Fatalf("Expected session cookie, got %v", cookies)
	}
	if !cookies[0].HttpOnly {
		t.Error("Expected HttpOnly session cookie")
	}
	if err := issuer.Verify(body.Token, cookies[0].Value); err != nil {
		t.Errorf("Expected issued token to verify, got %v", err)
	}

	// an existing session is reused
	r := httptest.NewRequest("GET", "/csrf-token", nil)
	r.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: "existing"})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if len(rec.Result().Cookies()) != 0 {
		t.Error("Expected no new cookie for an existing session")
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Expected JSON body, got %v", err)
	}
	if err := issuer.Verify(body.Token, "existing"); err != nil {
		t.Errorf("Expected token bound to existing session, got %v", err)
	}
}

func TestTokenHandlerEmptyConfig(t *testing.T) {
	issuer, err := NewCSRFTokenIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	rec := httptest.NewRecorder()
	TokenHandler(issuer, config.CSRFConfig{}, nil).ServeHTTP(rec, httptest.NewRequest("GET", "/csrf-token", nil))

	var body struct {
		Token      string `json:"csrfToken"`
		HeaderName string `json:"headerName"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Expected JSON body, got %v", err)
	}
	if body.HeaderName != DefaultCSRFHeader {
		t.Errorf("Expected header name %s, got %q", DefaultCSRFHeader, body.HeaderName)
	}

	// the advertised header is the one the guard reads
	guard := NewCSRFGuard(config.CSRFConfig{Enabled: true, MinTokenLength: 16}, nil)
	r := httptest.NewRequest("POST", "/api/contact", nil)
	r.Header.Set(body.HeaderName, body.Token)
	if rej := guard.Check(r, NewSecurityContext(r)); rej != nil {
		t.Errorf("Expected token in advertised header to pass, got %v", rej)
	}
}
