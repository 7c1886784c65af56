package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nosytlabs/secpipe"
	"github.com/nosytlabs/secpipe/config"
	"github.com/nosytlabs/secpipe/ratelimit"
	"github.com/nosytlabs/secpipe/security"
)

var testToken = strings.Repeat("t", 32)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	router, _ := newLoggedRouter(t, config.Default())
	return router
}

// newLoggedRouter builds the router for cfg and returns the log file path
func newLoggedRouter(t *testing.T, cfg *config.Config) (http.Handler, string) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "secpipe.log")
	cfg.Logging.Output = logPath

	stack, err := secpipe.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	t.Cleanup(func() { _ = stack.Shutdown(context.Background()) })
	return newRouter(stack), logPath
}

// processedEvents returns the request_processed log lines in the file at path
func processedEvents(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected log file, got %v", err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, `"event_type":"request_processed"`) {
			lines = append(lines, line)
		}
	}
	return lines
}

func postJSON(path string, body map[string]string) *http.Request {
	data, _ := json.Marshal(body)
	r := httptest.NewRequest("POST", path, strings.NewReader(string(data)))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("X-CSRF-Token", testToken)
	return r
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("Expected security headers on health check")
	}
}

func TestContactForm(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name     string
		body     map[string]string
		expected int
		code     string
	}{
		{
			name:     "valid",
			body:     map[string]string{"name": "Jane Doe", "email": "jane@example.com", "message": "I would like a new website."},
			expected: http.StatusOK,
		},
		{
			name:     "invalid email",
			body:     map[string]string{"name": "Jane Doe", "email": "not-an-email", "message": "I would like a new website."},
			expected: http.StatusUnprocessableEntity,
			code:     security.CodeInvalidEmail,
		},
		{
			name:     "missing message",
			body:     map[string]string{"name": "Jane Doe", "email": "jane@example.com"},
			expected: http.StatusUnprocessableEntity,
			code:     security.CodeRequired,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, postJSON("/api/contact", test.body))

			if rec.Code != test.expected {
				t.Fatalf("Expected %d, got %d: %s", test.expected, rec.Code, rec.Body.String())
			}

			var result security.ValidationResult
			if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
				t.Fatalf("Expected JSON body, got %v", err)
			}
			if test.code == "" {
				if !result.IsValid {
					t.Errorf("Expected valid result, got %+v", result.Errors)
				}
				return
			}
			if len(result.Errors) == 0 || result.Errors[0].Code != test.code {
				t.Errorf("Expected %s error, got %+v", test.code, result.Errors)
			}
		})
	}
}

func TestContactFormBodyThreatsRaiseRisk(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "info"
	router, logPath := newLoggedRouter(t, cfg)

	clean := httptest.NewRecorder()
	router.ServeHTTP(clean, postJSON("/api/contact", map[string]string{
		"name":    "Jane Doe",
		"email":   "jane@example.com",
		"message": "I would like a new website.",
	}))
	if clean.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", clean.Code)
	}
	if events := processedEvents(t, logPath); len(events) != 0 {
		t.Fatalf("Expected clean request below info level, got %v", events)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, postJSON("/api/contact", map[string]string{
		"name":    "Jane Doe",
		"email":   "jane@example.com",
		"message": "<script>alert(document.cookie)</script> union select password from users",
	}))
	if rec.Code >= http.StatusInternalServerError {
		t.Fatalf("Expected form to be handled, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "sql_injection") {
		t.Error("Expected threat details to stay out of the response")
	}

	events := processedEvents(t, logPath)
	if len(events) != 1 {
		t.Fatalf("Expected 1 request_processed event, got %d", len(events))
	}
	for _, want := range []string{`"level":"INFO"`, `"severity":"medium"`, `"risk_score":30`, `"blocked":false`} {
		if !strings.Contains(events[0], want) {
			t.Errorf("Expected %s in event, got %s", want, events[0])
		}
	}
}

func TestClientIPIgnoresUntrustedForwarding(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "info"
	cfg.RateLimit.Rules[ratelimit.ClassContact] = ratelimit.Rule{Window: time.Minute, Max: 2}
	router, _ := newLoggedRouter(t, cfg)

	body := map[string]string{"name": "Jane Doe", "email": "jane@example.com", "message": "I would like a new website."}
	var last int
	for i := 0; i < 3; i++ {
		r := postJSON("/api/contact", body)
		r.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, r)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("Expected rotating X-Forwarded-For to share one limit, got %d", last)
	}
}

func TestContactFormURLEncoded(t *testing.T) {
	router := newTestRouter(t)

	form := url.Values{
		"name":    {"Jane Doe"},
		"email":   {"jane@example.com"},
		"message": {"I would like a new website."},
	}
	r := httptest.NewRequest("POST", "/api/contact", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("X-CSRF-Token", testToken)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestFormRequiresCSRFToken(t *testing.T) {
	router := newTestRouter(t)

	r := postJSON("/api/booking", map[string]string{"name": "Jane Doe"})
	r.Header.Del("X-CSRF-Token")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "secpipe_requests_total") {
		t.Error("Expected request counter in metrics output")
	}
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags([]string{"-env", "production", "-addr", ":9090", "-alerting=false"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if opts.Environment != "production" {
		t.Errorf("Expected production, got %s", opts.Environment)
	}
	if opts.Overrides.Addr == nil || *opts.Overrides.Addr != ":9090" {
		t.Error("Expected addr override")
	}
	if opts.Overrides.Alerting == nil || *opts.Overrides.Alerting {
		t.Error("Expected alerting override to be false")
	}
	if opts.Overrides.LogLevel != nil || opts.Overrides.RedisAddr != nil || opts.Overrides.TrustedProxies != nil {
		t.Error("Expected unset flags to leave overrides nil")
	}

	opts, err = parseFlags([]string{"-trusted-proxies", "10.0.0.0/8, 192.168.1.1"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(opts.Overrides.TrustedProxies) != 2 || opts.Overrides.TrustedProxies[1] != "192.168.1.1" {
		t.Errorf("Expected 2 trusted proxies, got %v", opts.Overrides.TrustedProxies)
	}
}
