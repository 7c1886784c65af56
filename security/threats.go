// Package security implements the request security pipeline: threat detection,
// sanitization, field validation, CSRF and header hardening, risk scoring and
// security event logging.
package security

import "regexp"

// ThreatType is the category of a detected threat
type ThreatType string

const (
	ThreatDangerousHTML    ThreatType = "dangerous_html"
	ThreatSQLInjection     ThreatType = "sql_injection"
	ThreatCommandInjection ThreatType = "command_injection"
	ThreatLDAPInjection    ThreatType = "ldap_injection"
	ThreatNoSQLInjection   ThreatType = "nosql_injection"
	ThreatPathTraversal    ThreatType = "path_traversal"
)

// Threat is a single detector match. Pattern is the name of the rule that matched.
type Threat struct {
	Type    ThreatType `json:"type"`
	Pattern string     `json:"pattern"`
}

// threatRule is one named signature in the detector battery
type threatRule struct {
	Name    string
	Type    ThreatType
	Pattern *regexp.Regexp
}

func rule(t ThreatType, name, pattern string) threatRule {
	return threatRule{Name: name, Type: t, Pattern: regexp.MustCompile(pattern)}
}

// threatRules is evaluated in order. Category order is part of the DetectThreats contract.
var threatRules = []threatRule{
	rule(ThreatDangerousHTML, "script_tag", `(?i)<\s*script\b[^>]*>[\s\S]*?<\s*/\s*script\s*>`),
	rule(ThreatDangerousHTML, "script_open_tag", `(?i)<\s*/?\s*script\b[^>]*>?`),
	rule(ThreatDangerousHTML, "event_handler", `(?i)\bon(load|error|click|dblclick|mouse\w*|focus\w*|blur|change|submit|reset|key\w+|abort|input|toggle|animation\w*|pointer\w*|begin|end)\s*=`),
	rule(ThreatDangerousHTML, "javascript_protocol", `(?i)(java|vb)script\s*:`),
	rule(ThreatDangerousHTML, "dangerous_tags", `(?i)<\s*/?\s*(iframe|object|embed|applet|meta|link|base|svg|math|style|form|frame|frameset)\b[^>]*>?`),
	rule(ThreatDangerousHTML, "data_url", `(?i)data\s*:\s*(text/html|[^,;\s]*;\s*base64)`),
	rule(ThreatDangerousHTML, "css_expression", `(?i)expression\s*\(`),

	rule(ThreatSQLInjection, "union_select", `(?i)\bunion(\s+all)?\s+select\b`),
	rule(ThreatSQLInjection, "select_from", `(?i)\bselect\s+(\*|\w+(\s*,\s*\w+)*)\s+from\s+\w+`),
	rule(ThreatSQLInjection, "data_modification", `(?i)\b(insert\s+into|delete\s+from|update\s+\w+\s+set)\b`),
	rule(ThreatSQLInjection, "schema_modification", `(?i)\b(drop|alter|truncate|create)\s+(table|database|schema|index|view)\b`),
	rule(ThreatSQLInjection, "tautology", `(?i)(['"]\s*\b(or|and)\b\s*['"\d]|\b(or|and)\s+\d+\s*=\s*\d+)`),
	rule(ThreatSQLInjection, "quote_comment", `(['"]\s*(--|#|/\*))`),
	rule(ThreatSQLInjection, "block_comment", `/\*[\s\S]*?\*/`),
	rule(ThreatSQLInjection, "stacked_query", `(?i);\s*(drop|delete|insert|update|select|exec|shutdown)\b`),
	rule(ThreatSQLInjection, "sql_functions", `(?i)(\b(sleep|benchmark|load_file|pg_sleep)\s*\(|\bwaitfor\s+delay\b|\binto\s+(out|dump)file\b|\bxp_cmdshell\b|\bexec(ute)?\s*\()`),

	rule(ThreatCommandInjection, "chained_command", `(?i)[;&|]\s*(cat|ls|rm|wget|curl|nc|ncat|bash|sh|zsh|chmod|chown|whoami|id|uname|ping|python\d?|perl|php|ruby|powershell)\b`),
	rule(ThreatCommandInjection, "command_substitution", `\$\([^)]*\)`),
	rule(ThreatCommandInjection, "backtick_execution", "`[^`]*`"),
	rule(ThreatCommandInjection, "variable_expansion", `\$\{[^}]*\}`),
	rule(ThreatCommandInjection, "shell_binary", `(?i)(/bin/(ba|z|da)?sh\b|\bcmd\.exe\b|\bpowershell\.exe\b)`),
	rule(ThreatCommandInjection, "redirection", `(\|\s*tee\b|2>&1|>\s*/dev/(null|tcp))`),

	rule(ThreatLDAPInjection, "filter_break", `\)\s*\(\s*[|&!]`),
	rule(ThreatLDAPInjection, "wildcard_break", `\*\s*\)\s*\(`),
	rule(ThreatLDAPInjection, "filter_injection", `\(\s*[|&!]\s*\(\s*\w+\s*[~<>]?=`),
	rule(ThreatLDAPInjection, "wildcard_filter", `\(\s*\w+\s*=\s*\*\s*\)`),

	rule(ThreatNoSQLInjection, "query_operator", `\$(where|ne|eq|gt|gte|lt|lte|in|nin|regex|exists|or|and|not|nor|expr|elemMatch|function|accumulator)\b`),
	rule(ThreatNoSQLInjection, "operator_object", `\{\s*["']?\$[A-Za-z]+["']?\s*:`),

	rule(ThreatPathTraversal, "dot_dot_slash", `\.\.[\\/]`),
	rule(ThreatPathTraversal, "encoded_traversal", `(?i)(%2e%2e(%2f|%5c|/|\\)|\.\.(%2f|%5c)|%252e%252e)`),
	rule(ThreatPathTraversal, "null_byte", `(\x00|%00)`),
}

// DetectThreats runs the fixed signature battery over input and returns every matching rule.
// Input is matched as given, without decoding or normalization.
func DetectThreats(input string) []Threat {
	if input == "" {
		return nil
	}

	var threats []Threat
	for _, r := range threatRules {
		if r.Pattern.MatchString(input) {
			threats = append(threats, Threat{Type: r.Type, Pattern: r.Name})
		}
	}
	return threats
}

// HasThreatType reports whether threats contains an entry of type t
func HasThreatType(threats []Threat, t ThreatType) bool {
	for _, th := range threats {
		if th.Type == t {
			return true
		}
	}
	return false
}

// ThreatTypes returns the distinct threat types in detection order
func ThreatTypes(threats []Threat) []ThreatType {
	seen := make(map[ThreatType]bool, len(threats))
	var types []ThreatType
	for _, th := range threats {
		if !seen[th.Type] {
			seen[th.Type] = true
			types = append(types, th.Type)
		}
	}
	return types
}
