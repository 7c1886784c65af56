package security

import (
	"html"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/nosytlabs/secpipe/logging"
)

// HTML policies for rich text fields
const (
	HTMLPolicyStrict = "strict"
	HTMLPolicyUGC    = "ugc"
)

// SanitizeOptions controls Sanitize. The zero value enables every step with no
// length or character limits.
type SanitizeOptions struct {
	SkipEscapeHTML     bool `json:"skip_escape_html" yaml:"skip_escape_html"`
	SkipStripDangerous bool `json:"skip_strip_dangerous" yaml:"skip_strip_dangerous"`
	SkipDetectThreats  bool `json:"skip_detect_threats" yaml:"skip_detect_threats"`
	SkipLogThreats     bool `json:"skip_log_threats" yaml:"skip_log_threats"`
	NoPreserveSpaces   bool `json:"no_preserve_spaces" yaml:"no_preserve_spaces"`

	// MaxLength limits the output to this many runes. Nil means no limit.
	MaxLength *int `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	// AllowedChars is a regular expression character class, with or without brackets.
	AllowedChars string `json:"allowed_chars" yaml:"allowed_chars"`
	// HTMLPolicy replaces entity escaping with a bluemonday policy ("strict" or "ugc").
	HTMLPolicy string `json:"html_policy" yaml:"html_policy"`
}

// DefaultSanitizeOptions returns the default options
func DefaultSanitizeOptions() SanitizeOptions {
	return SanitizeOptions{}
}

// MaxLen returns a MaxLength limit of n runes. Negative values are treated as zero.
func MaxLen(n int) *int {
	if n < 0 {
		n = 0
	}
	return &n
}

// maxLength reports the rune limit and whether one is set
func (o SanitizeOptions) maxLength() (int, bool) {
	if o.MaxLength == nil {
		return 0, false
	}
	if *o.MaxLength < 0 {
		return 0, true
	}
	return *o.MaxLength, true
}

// SanitizationResult is the outcome of Sanitize
type SanitizationResult struct {
	Sanitized      string   `json:"sanitized"`
	Threats        []Threat `json:"threats"`
	IsClean        bool     `json:"is_clean"`
	Modified       bool     `json:"modified"`
	OriginalLength int      `json:"original_length"`
	FinalLength    int      `json:"final_length"`
}

var (
	// non-content elements removed regardless of detector hits
	deniedTags = regexp.MustCompile(`(?i)<\s*/?\s*(script|style|iframe|frame|frameset|object|embed|applet|form|input|textarea|button|select|option|link|meta|base|html|head|body|svg|math|template|noscript)\b[^>]*>?`)

	traversalSeq = regexp.MustCompile(`\.\.[\\/]`)
	shellMeta    = regexp.MustCompile("[;&|`${}]")
	whitespace   = regexp.MustCompile(`\s+`)

	entityEscaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#x27;",
		"/", "&#x2F;",
		"`", "&#x60;",
		"=", "&#x3D;",
	)

	strictPolicy = bluemonday.StrictPolicy()
	ugcPolicy    = bluemonday.UGCPolicy()

	allowedCharsCache sync.Map // class -> *regexp.Regexp, nil when the class does not compile
)

// maxStripPasses bounds the strip loop for inputs whose removal keeps exposing new matches
const maxStripPasses = 8

// Sanitizer cleans untrusted strings and reports detected threats
type Sanitizer struct {
	logger logging.Logger
}

// NewSanitizer creates a sanitizer that logs threats to logger
func NewSanitizer(logger logging.Logger) *Sanitizer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Sanitizer{logger: logger.WithComponent("sanitizer")}
}

var defaultSanitizer = NewSanitizer(nil)

// Sanitize cleans input with the package default sanitizer
func Sanitize(input string, opts SanitizeOptions) SanitizationResult {
	return defaultSanitizer.Sanitize(input, opts)
}

// Sanitize cleans input. Steps run in a fixed order: trim, detect, strip,
// allowed characters, truncate, escape.
func (s *Sanitizer) Sanitize(input string, opts SanitizeOptions) SanitizationResult {
	result := SanitizationResult{OriginalLength: utf8.RuneCountInString(input)}

	value := input
	entityEscape := !opts.SkipEscapeHTML && opts.HTMLPolicy == ""
	if entityEscape {
		// escaping is applied to decoded text so sanitized output round-trips
		value = html.UnescapeString(value)
	}
	value = strings.TrimSpace(value)

	if !opts.SkipDetectThreats {
		result.Threats = DetectThreats(value)
		if len(result.Threats) > 0 && !opts.SkipLogThreats {
			s.logger.Warn("threats detected in input",
				logging.Any("threat_types", ThreatTypes(result.Threats)),
				logging.Int("threat_count", len(result.Threats)),
				logging.Int("input_length", result.OriginalLength))
		}
	}

	if !opts.SkipStripDangerous {
		value = stripDangerous(value, !opts.NoPreserveSpaces)
	}

	if opts.AllowedChars != "" {
		value = filterAllowed(value, opts.AllowedChars)
	}

	limit, limited := opts.maxLength()
	if limited {
		value = truncateRunes(value, limit)
	}

	switch {
	case opts.SkipEscapeHTML:
	case opts.HTMLPolicy != "":
		value = applyPolicy(value, opts.HTMLPolicy)
	default:
		value = entityEscaper.Replace(value)
	}

	if limited && utf8.RuneCountInString(value) > limit {
		if opts.HTMLPolicy != "" && !opts.SkipEscapeHTML {
			// cutting markup could leave a dangling tag
			value = strictPolicy.Sanitize(value)
		}
		value = truncateEscaped(value, limit)
	}

	result.Sanitized = value
	result.IsClean = len(result.Threats) == 0
	result.Modified = value != input
	result.FinalLength = utf8.RuneCountInString(value)
	return result
}

// stripDangerous repeats a strip pass until the value stops changing, so the
// result carries no detector match that a later pass would remove.
func stripDangerous(value string, preserveSpaces bool) string {
	for i := 0; i < maxStripPasses; i++ {
		next := stripOnce(value, preserveSpaces)
		if next == value {
			break
		}
		value = next
	}
	return value
}

func stripOnce(value string, preserveSpaces bool) string {
	repl := ""
	if preserveSpaces {
		repl = " "
	}

	for _, r := range threatRules {
		value = r.Pattern.ReplaceAllString(value, repl)
	}
	value = deniedTags.ReplaceAllString(value, repl)
	value = traversalSeq.ReplaceAllString(value, "")
	value = shellMeta.ReplaceAllString(value, "")

	if preserveSpaces {
		value = whitespace.ReplaceAllString(value, " ")
	}
	return strings.TrimSpace(value)
}

func filterAllowed(value, class string) string {
	re := allowedCharsPattern(class)
	if re == nil {
		// an unusable allowlist admits nothing
		return ""
	}

	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if re.MatchString(string(r)) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func allowedCharsPattern(class string) *regexp.Regexp {
	if cached, ok := allowedCharsCache.Load(class); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}

	expr := class
	if !strings.HasPrefix(expr, "[") {
		expr = "[" + expr + "]"
	}
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		re = nil
	}
	allowedCharsCache.Store(class, re)
	return re
}

func applyPolicy(value, policy string) string {
	switch policy {
	case HTMLPolicyUGC:
		return ugcPolicy.Sanitize(value)
	default:
		return strictPolicy.Sanitize(value)
	}
}

// truncateRunes keeps the first n runes of value
func truncateRunes(value string, n int) string {
	if utf8.RuneCountInString(value) <= n {
		return value
	}
	i := 0
	for pos := range value {
		if i == n {
			return value[:pos]
		}
		i++
	}
	return value
}

// truncateEscaped keeps at most n runes of value without splitting an entity
func truncateEscaped(value string, n int) string {
	var b strings.Builder
	count := 0

	for i := 0; i < len(value); {
		chunk := nextChunk(value[i:])
		size := utf8.RuneCountInString(chunk)
		if count+size > n {
			break
		}
		b.WriteString(chunk)
		count += size
		i += len(chunk)
	}
	return b.String()
}

// nextChunk returns a whole entity if s starts with one, else its first rune
func nextChunk(s string) string {
	if s[0] == '&' {
		if end := strings.IndexByte(s, ';'); end > 1 && end <= 10 {
			return s[:end+1]
		}
	}
	_, size := utf8.DecodeRuneInString(s)
	return s[:size]
}
