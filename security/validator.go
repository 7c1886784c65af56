package security

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// Validation error codes
const (
	CodeRequired      = "REQUIRED"
	CodeTooShort      = "TOO_SHORT"
	CodeTooLong       = "TOO_LONG"
	CodeInvalidFormat = "INVALID_FORMAT"
	CodeInvalidEmail  = "INVALID_EMAIL"
	CodeInvalidURL    = "INVALID_URL"
	CodeInvalidPhone  = "INVALID_PHONE"
	CodeCustom        = "CUSTOM"
)

// ValidationError describes why one field failed
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FieldRules are the checks applied to one field after sanitization.
// Checks run in order: required, min length, max length, pattern, format, custom.
type FieldRules struct {
	Required  bool
	MinLength int
	MaxLength int

	Pattern        *regexp.Regexp
	PatternCode    string // defaults to INVALID_FORMAT
	PatternMessage string

	// Format is a go-playground/validator tag such as "email", "url" or "e164".
	Format string

	// Custom returns a non-empty message when the value is rejected.
	Custom func(value string) string

	Sanitize SanitizeOptions
}

func (r FieldRules) isZero() bool {
	return !r.Required && r.MinLength == 0 && r.MaxLength == 0 &&
		r.Pattern == nil && r.PatternCode == "" && r.PatternMessage == "" &&
		r.Format == "" && r.Custom == nil && r.Sanitize == (SanitizeOptions{})
}

// FieldResult is the outcome of validating a single field
type FieldResult struct {
	Error          *ValidationError
	SanitizedValue string
	Threats        []Threat
}

// ValidationResult is the outcome of validating a form
type ValidationResult struct {
	IsValid       bool              `json:"is_valid"`
	Errors        []ValidationError `json:"errors"`
	SanitizedData map[string]string `json:"sanitized_data"`
	// Threats holds what the sanitizer found in each field, keyed by field name.
	// It is not serialized so detection details never reach the client.
	Threats map[string][]Threat `json:"-"`
}

// AllThreats returns every threat found in the form, ordered by field name
func (r ValidationResult) AllThreats() []Threat {
	fields := make([]string, 0, len(r.Threats))
	for field := range r.Threats {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var out []Threat
	for _, field := range fields {
		out = append(out, r.Threats[field]...)
	}
	return out
}

var (
	phonePattern = regexp.MustCompile(`^\+?[0-9\s().-]{7,20}$`)
	namePattern  = regexp.MustCompile(`^[\p{L}\p{M}\s.'-]+$`)
)

// DefaultFieldRules are used by ValidateField when it is given zero-value rules
var DefaultFieldRules = map[string]FieldRules{
	"email": {
		Required:  true,
		MaxLength: 254,
		Format:    "email",
		Sanitize:  SanitizeOptions{SkipEscapeHTML: true, MaxLength: MaxLen(254)},
	},
	"name": {
		Required:       true,
		MinLength:      2,
		MaxLength:      100,
		Pattern:        namePattern,
		PatternMessage: "Name contains invalid characters",
		Sanitize:       SanitizeOptions{SkipEscapeHTML: true, MaxLength: MaxLen(100)},
	},
	"phone": {
		MaxLength:      20,
		Pattern:        phonePattern,
		PatternCode:    CodeInvalidPhone,
		PatternMessage: "Please enter a valid phone number",
		Sanitize:       SanitizeOptions{SkipEscapeHTML: true, MaxLength: MaxLen(20)},
	},
	"message": {
		Required:  true,
		MinLength: 10,
		MaxLength: 5000,
		Sanitize:  SanitizeOptions{SkipEscapeHTML: true},
	},
	"subject": {
		MaxLength: 200,
		Sanitize:  SanitizeOptions{SkipEscapeHTML: true},
	},
	"company": {
		MaxLength: 200,
		Sanitize:  SanitizeOptions{SkipEscapeHTML: true},
	},
	"website": {
		MaxLength: 2048,
		Format:    "http_url",
		Sanitize:  SanitizeOptions{SkipEscapeHTML: true},
	},
}

// Validator validates fields and forms on sanitized values
type Validator struct {
	sanitizer *Sanitizer
	validate  *validator.Validate
}

// NewValidator creates a validator using sanitizer for the cleaning step
func NewValidator(sanitizer *Sanitizer) *Validator {
	if sanitizer == nil {
		sanitizer = defaultSanitizer
	}
	return &Validator{
		sanitizer: sanitizer,
		validate:  validator.New(),
	}
}

var defaultValidator = NewValidator(nil)

// ValidateField validates one field with the package default validator
func ValidateField(name, raw string, rules FieldRules) FieldResult {
	return defaultValidator.ValidateField(name, raw, rules)
}

// ValidateForm validates every field in data with the package default validator
func ValidateForm(data map[string]string, rules map[string]FieldRules) ValidationResult {
	return defaultValidator.ValidateForm(data, rules)
}

// ValidateField sanitizes raw and checks it against rules, stopping at the first failure.
// Zero-value rules fall back to DefaultFieldRules for name.
func (v *Validator) ValidateField(name, raw string, rules FieldRules) FieldResult {
	if rules.isZero() {
		if def, ok := DefaultFieldRules[name]; ok {
			rules = def
		}
	}

	sanitized := v.sanitizer.Sanitize(raw, rules.Sanitize)
	clean := sanitized.Sanitized
	result := FieldResult{SanitizedValue: clean, Threats: sanitized.Threats}

	fail := func(code, message string) FieldResult {
		result.Error = &ValidationError{Field: name, Message: message, Code: code}
		return result
	}

	value := strings.TrimSpace(clean)
	if value == "" {
		if rules.Required {
			return fail(CodeRequired, fmt.Sprintf("%s is required", fieldLabel(name)))
		}
		return result
	}

	length := utf8.RuneCountInString(value)
	if rules.MinLength > 0 && length < rules.MinLength {
		return fail(CodeTooShort, fmt.Sprintf("%s must be at least %d characters", fieldLabel(name), rules.MinLength))
	}
	if rules.MaxLength > 0 && length > rules.MaxLength {
		return fail(CodeTooLong, fmt.Sprintf("%s must be at most %d characters", fieldLabel(name), rules.MaxLength))
	}

	if rules.Pattern != nil && !rules.Pattern.MatchString(value) {
		code := rules.PatternCode
		if code == "" {
			code = CodeInvalidFormat
		}
		message := rules.PatternMessage
		if message == "" {
			message = fmt.Sprintf("%s has an invalid format", fieldLabel(name))
		}
		return fail(code, message)
	}

	if rules.Format != "" {
		if err := v.validate.Var(value, rules.Format); err != nil {
			code, message := formatFailure(name, rules.Format)
			return fail(code, message)
		}
	}

	if rules.Custom != nil {
		if message := rules.Custom(value); message != "" {
			return fail(CodeCustom, message)
		}
	}

	return result
}

// ValidateForm validates every key in data. All field errors are collected and the
// sanitized map is returned even when the form is invalid.
func (v *Validator) ValidateForm(data map[string]string, rules map[string]FieldRules) ValidationResult {
	result := ValidationResult{
		IsValid:       true,
		SanitizedData: make(map[string]string, len(data)),
	}

	for field, raw := range data {
		fr := v.ValidateField(field, raw, rules[field])
		result.SanitizedData[field] = fr.SanitizedValue
		if len(fr.Threats) > 0 {
			if result.Threats == nil {
				result.Threats = make(map[string][]Threat)
			}
			result.Threats[field] = fr.Threats
		}
		if fr.Error != nil {
			result.IsValid = false
			result.Errors = append(result.Errors, *fr.Error)
		}
	}

	// required fields missing from data entirely
	for field, r := range rules {
		if _, ok := data[field]; ok || !r.Required {
			continue
		}
		result.IsValid = false
		result.Errors = append(result.Errors, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%s is required", fieldLabel(field)),
			Code:    CodeRequired,
		})
	}

	sort.Slice(result.Errors, func(i, j int) bool {
		return result.Errors[i].Field < result.Errors[j].Field
	})
	return result
}

func formatFailure(name, format string) (string, string) {
	switch format {
	case "email":
		return CodeInvalidEmail, "Please enter a valid email address"
	case "url", "http_url", "uri":
		return CodeInvalidURL, "Please enter a valid URL"
	case "e164":
		return CodeInvalidPhone, "Please enter a valid phone number"
	default:
		return CodeInvalidFormat, fmt.Sprintf("%s has an invalid format", fieldLabel(name))
	}
}

func fieldLabel(name string) string {
	if name == "" {
		return "Field"
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

// ContactFormRules returns the rules for the public contact form
func ContactFormRules() map[string]FieldRules {
	return map[string]FieldRules{
		"name":    DefaultFieldRules["name"],
		"email":   DefaultFieldRules["email"],
		"phone":   DefaultFieldRules["phone"],
		"company": DefaultFieldRules["company"],
		"subject": DefaultFieldRules["subject"],
		"message": DefaultFieldRules["message"],
	}
}

// BookingFormRules returns the rules for the consultation booking form
func BookingFormRules() map[string]FieldRules {
	rules := ContactFormRules()
	rules["phone"] = withRequired(DefaultFieldRules["phone"])
	rules["message"] = FieldRules{
		MaxLength: 5000,
		Sanitize:  SanitizeOptions{SkipEscapeHTML: true},
	}
	rules["service"] = FieldRules{
		Required: true,
		Custom: func(value string) string {
			switch value {
			case "web-development", "ai-integration", "consulting", "mobile-development", "3d-printing":
				return ""
			}
			return "Please choose a valid service"
		},
	}
	rules["date"] = FieldRules{
		Required: true,
		Format:   "datetime=2006-01-02",
		Sanitize: SanitizeOptions{SkipEscapeHTML: true},
	}
	return rules
}

func withRequired(r FieldRules) FieldRules {
	r.Required = true
	return r
}
