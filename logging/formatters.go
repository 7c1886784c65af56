package logging

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// JSONFormatter formats log entries as JSON
type JSONFormatter struct {
	TimestampFormat string
	PrettyPrint     bool

	TimestampKey string
	LevelKey     string
	MessageKey   string
	LoggerKey    string
	ComponentKey string
	RequestIDKey string
}

// NewJSONFormatter creates a new JSON formatter with default settings
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		TimestampKey:    "timestamp",
		LevelKey:        "level",
		MessageKey:      "message",
		LoggerKey:       "logger",
		ComponentKey:    "component",
		RequestIDKey:    "request_id",
	}
}

// Format formats a log entry as JSON
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	data := make(map[string]interface{}, len(entry.Fields)+6)

	for k, v := range entry.Fields {
		data[k] = jsonValue(v)
	}

	data[f.TimestampKey] = entry.Timestamp.Format(f.TimestampFormat)
	data[f.LevelKey] = entry.Level.String()
	data[f.MessageKey] = entry.Message
	data[f.LoggerKey] = entry.Logger

	if entry.Component != "" {
		data[f.ComponentKey] = entry.Component
	}
	if entry.RequestID != "" {
		data[f.RequestIDKey] = entry.RequestID
	}

	var (
		out []byte
		err error
	)
	if f.PrettyPrint {
		out, err = json.MarshalIndent(data, "", "  ")
	} else {
		out, err = json.Marshal(data)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	return append(out, '\n'), nil
}

// Type returns the formatter type
func (f *JSONFormatter) Type() string {
	return "json"
}

// jsonValue makes values that do not marshal usefully readable.
func jsonValue(v interface{}) interface{} {
	switch val := v.(type) {
	case error:
		return val.Error()
	case time.Duration:
		return val.String()
	case fmt.Stringer:
		return val.String()
	default:
		return v
	}
}

// TextFormatter formats log entries as human-readable text
type TextFormatter struct {
	TimestampFormat string
	DisableColors   bool
	FullTimestamp   bool
}

// NewTextFormatter creates a new text formatter with default settings
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
		DisableColors:   true,
		FullTimestamp:   true,
	}
}

var levelColors = map[LogLevel]string{
	LogLevelDebug: "\033[36m",
	LogLevelInfo:  "\033[32m",
	LogLevelWarn:  "\033[33m",
	LogLevelError: "\033[31m",
}

const colorReset = "\033[0m"

// Format formats a log entry as text
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var b strings.Builder

	if f.FullTimestamp {
		b.WriteString(entry.Timestamp.Format(f.TimestampFormat))
		b.WriteByte(' ')
	}

	level := fmt.Sprintf("%-5s", entry.Level.String())
	if !f.DisableColors {
		level = levelColors[entry.Level] + level + colorReset
	}
	b.WriteString(level)
	b.WriteByte(' ')

	if entry.Component != "" {
		b.WriteString("[")
		b.WriteString(entry.Component)
		b.WriteString("] ")
	}

	b.WriteString(entry.Message)

	if entry.RequestID != "" {
		b.WriteString(" request_id=")
		b.WriteString(entry.RequestID)
	}

	f.writeFields(&b, entry.Fields)
	b.WriteByte('\n')

	return []byte(b.String()), nil
}

// Type returns the formatter type
func (f *TextFormatter) Type() string {
	return "text"
}

func (f *TextFormatter) writeFields(b *strings.Builder, fields map[string]interface{}) {
	if len(fields) == 0 {
		return
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		f.writeValue(b, fields[k])
	}
}

func (f *TextFormatter) writeValue(b *strings.Builder, value interface{}) {
	switch v := value.(type) {
	case string:
		if strings.ContainsAny(v, " \t\n\"=") {
			fmt.Fprintf(b, "%q", v)
		} else {
			b.WriteString(v)
		}
	case error:
		fmt.Fprintf(b, "%q", v.Error())
	case time.Time:
		b.WriteString(v.Format(time.RFC3339))
	case time.Duration:
		b.WriteString(v.String())
	case []string:
		fmt.Fprintf(b, "%q", strings.Join(v, ","))
	default:
		fmt.Fprintf(b, "%v", v)
	}
}
