package security

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nosytlabs/secpipe/config"
)

// NoncePlaceholder is replaced in the CSP template with a per-response nonce
const NoncePlaceholder = "{nonce}"

// HeaderHardener sets the fixed security response headers
type HeaderHardener struct {
	headers config.HeadersConfig
}

// NewHeaderHardener creates a hardener for the configured header values
func NewHeaderHardener(headers config.HeadersConfig) *HeaderHardener {
	return &HeaderHardener{headers: headers}
}

// NewNonce returns a fresh base64 nonce derived from a random UUID
func NewNonce() string {
	id := uuid.New()
	return base64.StdEncoding.EncodeToString(id[:])
}

// Apply sets every configured header on h, overwriting existing values.
// It returns the CSP nonce, or "" when the template has no placeholder.
func (hh *HeaderHardener) Apply(h http.Header) string {
	var nonce string
	if strings.Contains(hh.headers.ContentSecurityPolicy, NoncePlaceholder) {
		nonce = NewNonce()
	}
	hh.applyNonce(h, nonce)
	return nonce
}

// applyNonce sets the headers using an already generated nonce
func (hh *HeaderHardener) applyNonce(h http.Header, nonce string) {
	if csp := hh.headers.ContentSecurityPolicy; csp != "" {
		h.Set("Content-Security-Policy", strings.ReplaceAll(csp, NoncePlaceholder, nonce))
	}

	set := func(name, value string) {
		if value != "" {
			h.Set(name, value)
		}
	}
	set("X-Content-Type-Options", hh.headers.ContentTypeOptions)
	set("X-Frame-Options", hh.headers.FrameOptions)
	set("Referrer-Policy", hh.headers.ReferrerPolicy)
	set("Permissions-Policy", hh.headers.PermissionsPolicy)
	set("Strict-Transport-Security", hh.headers.StrictTransportSecurity)
	set("Cross-Origin-Opener-Policy", hh.headers.CrossOriginOpenerPolicy)
}

// ApplySecurityHeaders returns a copy of resp with the security headers merged in.
// resp is not modified.
func (hh *HeaderHardener) ApplySecurityHeaders(resp *http.Response) *http.Response {
	out := new(http.Response)
	*out = *resp
	out.Header = resp.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	hh.Apply(out.Header)
	return out
}

// WithNonce returns a copy of ctx carrying the CSP nonce for the response
func WithNonce(ctx context.Context, nonce string) context.Context {
	return context.WithValue(ctx, nonceContextKey, nonce)
}

// NonceFromContext returns the CSP nonce set for the current response
func NonceFromContext(ctx context.Context) string {
	nonce, _ := ctx.Value(nonceContextKey).(string)
	return nonce
}
