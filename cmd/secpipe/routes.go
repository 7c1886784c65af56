package main

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nosytlabs/secpipe"
	"github.com/nosytlabs/secpipe/logging"
	"github.com/nosytlabs/secpipe/security"
)

func newRouter(stack *secpipe.Stack) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(stack.Middleware)

	r.Get("/healthz", healthHandler)
	if stack.Metrics != nil {
		r.Method(http.MethodGet, stack.Config().Metrics.Path, stack.Metrics.Handler())
	}
	if h := stack.TokenHandler(); h != nil {
		r.Method(http.MethodGet, "/csrf-token", h)
	}

	logger := stack.Logger.WithComponent("forms")
	r.Post("/api/contact", formHandler(security.ContactFormRules(), logger))
	r.Post("/api/booking", formHandler(security.BookingFormRules(), logger))

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// formHandler validates a JSON or urlencoded form against rules and echoes the
// sanitized values.
func formHandler(rules map[string]security.FieldRules, logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := decodeForm(r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "Invalid form body")
			return
		}

		result := security.ValidateForm(data, rules)
		if threats := result.AllThreats(); len(threats) > 0 {
			security.AnnotateThreats(r.Context(), threats)
			logger.Debug("threats in form body",
				logging.String("path", r.URL.Path),
				logging.Any("threat_types", security.ThreatTypes(threats)))
		}
		if !result.IsValid {
			logger.Debug("form rejected",
				logging.String("path", r.URL.Path),
				logging.Int("errors", len(result.Errors)))
			writeJSON(w, http.StatusUnprocessableEntity, result)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func decodeForm(r *http.Request) (map[string]string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		data := map[string]string{}
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			return nil, err
		}
		return data, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	data := make(map[string]string, len(r.PostForm))
	for name := range r.PostForm {
		data[name] = r.PostForm.Get(name)
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
