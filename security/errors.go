package security

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nosytlabs/secpipe/ratelimit"
)

var (
	// ErrInvalidToken is returned when a CSRF token is malformed, forged or bound to another session.
	ErrInvalidToken = errors.New("security: invalid token")
	// ErrTokenExpired is returned when a CSRF token is past its expiry.
	ErrTokenExpired = errors.New("security: token expired")
)

// ErrorKind classifies a pipeline rejection
type ErrorKind int

const (
	ValidationFailure ErrorKind = iota
	RateLimitExceeded
	CsrfFailure
	InternalPipelineError
)

func (k ErrorKind) String() string {
	switch k {
	case ValidationFailure:
		return "validation_failure"
	case RateLimitExceeded:
		return "rate_limit_exceeded"
	case CsrfFailure:
		return "csrf_failure"
	case InternalPipelineError:
		return "internal_pipeline_error"
	default:
		return "unknown"
	}
}

// Rejection is a short-circuit response produced by a blocking stage.
// Message is the stable client-facing string; Reason stays server side.
type Rejection struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
	Reason     string
}

func (r *Rejection) Error() string {
	if r.Reason != "" {
		return r.Kind.String() + ": " + r.Reason
	}
	return r.Kind.String() + ": " + r.Message
}

func validationRejection(status int, message, reason string) *Rejection {
	return &Rejection{Kind: ValidationFailure, Status: status, Message: message, Reason: reason}
}

var internalError = &Rejection{
	Kind:    InternalPipelineError,
	Status:  http.StatusInternalServerError,
	Message: "Internal server error",
	Reason:  "panic",
}

// errorBody is the JSON body of every rejection
type errorBody struct {
	Error string `json:"error"`
}

// WriteRejection writes rej as a JSON error response. Security headers must
// already be set on w.
func WriteRejection(w http.ResponseWriter, rej *Rejection) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	if rej.Kind == RateLimitExceeded && rej.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(rej.RetryAfter)))
	}
	w.WriteHeader(rej.Status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: rej.Message})
}
