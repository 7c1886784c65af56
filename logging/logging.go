// Package logging provides the structured logger used across the security pipeline.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LogLevel represents the severity level of a log entry
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a LogLevel. Unknown names map to info.
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return LogLevelDebug
	case "info", "":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error", "fatal":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Entry represents a single log entry
type Entry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Logger    string
	Component string
	RequestID string
	Fields    map[string]interface{}
}

// Field represents a structured logging field
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the logging contract used by every package in the module.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	With(fields ...Field) Logger
	WithComponent(component string) Logger
	WithRequest(requestID string) Logger

	IsEnabled(level LogLevel) bool
	Close() error
}

// Formatter turns an entry into bytes
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
	Type() string
}

// Config holds logger configuration
type Config struct {
	Name       string `json:"name" yaml:"name"`
	Level      string `json:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format     string `json:"format" yaml:"format" validate:"omitempty,oneof=json text"`
	Output     string `json:"output" yaml:"output"` // "stdout", "stderr" or a file path
	Component  string `json:"component" yaml:"component"`
	Async      bool   `json:"async" yaml:"async"`
	BufferSize int    `json:"buffer_size" yaml:"buffer_size" validate:"gte=0"`
}

// Stats holds logger counters
type Stats struct {
	Entries int64 `json:"entries"`
	Dropped int64 `json:"dropped"`
	Errors  int64 `json:"errors"`
}

// core is shared between a logger and the children created with With*.
type core struct {
	name      string
	level     LogLevel
	out       io.Writer
	closer    io.Closer
	formatter Formatter
	writeMu   sync.Mutex

	entryChan chan *Entry
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	entries int64
	dropped int64
	errors  int64
}

// StandardLogger implements Logger
type StandardLogger struct {
	core      *core
	component string
	requestID string
	fields    map[string]interface{}
}

// New creates a logger from configuration
func New(config Config) (*StandardLogger, error) {
	var out io.Writer
	var closer io.Closer

	switch config.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		f, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		out = f
		closer = f
	}

	formatter, err := newFormatter(config.Format)
	if err != nil {
		return nil, err
	}

	l := NewWithWriter(out, formatter, config)
	l.core.closer = closer
	return l, nil
}

// NewWithWriter creates a logger writing to an arbitrary writer
func NewWithWriter(out io.Writer, formatter Formatter, config Config) *StandardLogger {
	if formatter == nil {
		formatter = NewJSONFormatter()
	}
	name := config.Name
	if name == "" {
		name = "secpipe"
	}

	c := &core{
		name:      name,
		level:     ParseLevel(config.Level),
		out:       out,
		formatter: formatter,
	}

	if config.Async {
		size := config.BufferSize
		if size <= 0 {
			size = 1024
		}
		c.entryChan = make(chan *Entry, size)
		c.done = make(chan struct{})
		c.wg.Add(1)
		go c.processEntries()
	}

	return &StandardLogger{
		core:      c,
		component: config.Component,
		fields:    make(map[string]interface{}),
	}
}

// NewNop returns a logger that discards everything
func NewNop() *StandardLogger {
	return NewWithWriter(io.Discard, NewJSONFormatter(), Config{Level: "error"})
}

func newFormatter(format string) (Formatter, error) {
	switch format {
	case "json", "":
		return NewJSONFormatter(), nil
	case "text":
		return NewTextFormatter(), nil
	default:
		return nil, fmt.Errorf("unknown formatter type: %s", format)
	}
}

func (l *StandardLogger) Debug(msg string, fields ...Field) { l.log(LogLevelDebug, msg, fields) }
func (l *StandardLogger) Info(msg string, fields ...Field)  { l.log(LogLevelInfo, msg, fields) }
func (l *StandardLogger) Warn(msg string, fields ...Field)  { l.log(LogLevelWarn, msg, fields) }
func (l *StandardLogger) Error(msg string, fields ...Field) { l.log(LogLevelError, msg, fields) }

// IsEnabled reports whether entries at level are written
func (l *StandardLogger) IsEnabled(level LogLevel) bool {
	return level >= l.core.level
}

// With creates a child logger carrying additional fields
func (l *StandardLogger) With(fields ...Field) Logger {
	child := l.copy()
	for _, f := range fields {
		child.fields[f.Key] = f.Value
	}
	return child
}

// WithComponent creates a child logger with a component name
func (l *StandardLogger) WithComponent(component string) Logger {
	child := l.copy()
	child.component = component
	return child
}

// WithRequest creates a child logger bound to a request ID
func (l *StandardLogger) WithRequest(requestID string) Logger {
	child := l.copy()
	child.requestID = requestID
	return child
}

// Stats returns a snapshot of the logger counters
func (l *StandardLogger) Stats() Stats {
	return Stats{
		Entries: atomic.LoadInt64(&l.core.entries),
		Dropped: atomic.LoadInt64(&l.core.dropped),
		Errors:  atomic.LoadInt64(&l.core.errors),
	}
}

// Close drains pending async entries and closes the output
func (l *StandardLogger) Close() error {
	var err error
	l.core.closeOnce.Do(func() {
		if l.core.done != nil {
			close(l.core.done)
			l.core.wg.Wait()
		}
		if l.core.closer != nil {
			err = l.core.closer.Close()
		}
	})
	return err
}

func (l *StandardLogger) copy() *StandardLogger {
	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}
	return &StandardLogger{
		core:      l.core,
		component: l.component,
		requestID: l.requestID,
		fields:    fields,
	}
}

func (l *StandardLogger) log(level LogLevel, msg string, fields []Field) {
	if !l.IsEnabled(level) {
		return
	}

	entry := &Entry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Logger:    l.core.name,
		Component: l.component,
		RequestID: l.requestID,
		Fields:    make(map[string]interface{}, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		entry.Fields[k] = v
	}
	for _, f := range fields {
		entry.Fields[f.Key] = f.Value
	}

	if l.core.entryChan != nil {
		select {
		case l.core.entryChan <- entry:
		default:
			// buffer full
			atomic.AddInt64(&l.core.dropped, 1)
		}
		return
	}
	l.core.write(entry)
}

func (c *core) write(entry *Entry) {
	data, err := c.formatter.Format(entry)
	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		return
	}

	c.writeMu.Lock()
	_, err = c.out.Write(data)
	c.writeMu.Unlock()

	if err != nil {
		atomic.AddInt64(&c.errors, 1)
		return
	}
	atomic.AddInt64(&c.entries, 1)
}

func (c *core) processEntries() {
	defer c.wg.Done()

	for {
		select {
		case entry := <-c.entryChan:
			c.write(entry)
		case <-c.done:
			for {
				select {
				case entry := <-c.entryChan:
					c.write(entry)
				default:
					return
				}
			}
		}
	}
}

// Helper functions for creating fields
func String(key, value string) Field                 { return Field{Key: key, Value: value} }
func Int(key string, value int) Field                { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field            { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field        { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field              { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }
func Time(key string, value time.Time) Field         { return Field{Key: key, Value: value} }
func Any(key string, value interface{}) Field        { return Field{Key: key, Value: value} }

// Err wraps an error as an "error" field; nil errors produce an empty value.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: ""}
	}
	return Field{Key: "error", Value: err.Error()}
}
