// Package eventlog records listener, clap and alarm events in a single
// JSON lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oszuidwest/clapfinder/internal/types"
)

// EventType represents the type of event.
type EventType string

// Listener event types.
const (
	ListeningStarted EventType = "listening_started"
	ListeningStopped EventType = "listening_stopped"
	CaptureError     EventType = "capture_error"
)

// Detection and alarm event types.
const (
	ClapDetected EventType = "clap_detected"
	AlarmStarted EventType = "alarm_started"
	AlarmStopped EventType = "alarm_stopped"
)

// Archive event types.
const (
	ArchiveUploaded EventType = "archive_uploaded"
	ArchiveFailed   EventType = "archive_failed"
)

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Type      EventType `json:"type"`
	EventID   string    `json:"event_id,omitempty"`
	Message   string    `json:"msg,omitempty"`
	Details   any       `json:"details,omitempty"`
}

// ClapDetails contains the measurements of a clap.
type ClapDetails struct {
	RMS       float64 `json:"rms"`
	Peak      float64 `json:"peak"`
	Threshold float64 `json:"threshold"`
}

// AlarmDetails contains alarm-specific event details.
type AlarmDetails struct {
	Sound      string `json:"sound,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// ErrorDetails contains failure details.
type ErrorDetails struct {
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	Key        string `json:"key,omitempty"`
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file. A nil Logger discards the event.
func (l *Logger) Log(event *Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// LogListening logs a listening_started or listening_stopped event.
func (l *Logger) LogListening(eventType EventType, device string) error {
	return l.Log(&Event{
		Type:    eventType,
		Message: device,
	})
}

// LogClap logs a detected clap.
func (l *Logger) LogClap(ev types.ClapEvent) error {
	return l.Log(&Event{
		Timestamp: ev.Time,
		Type:      ClapDetected,
		EventID:   ev.ID,
		Details: &ClapDetails{
			RMS:       ev.RMS,
			Peak:      ev.Peak,
			Threshold: ev.Threshold,
		},
	})
}

// LogAlarm logs an alarm_started or alarm_stopped event.
func (l *Logger) LogAlarm(eventType EventType, eventID, sound string, duration time.Duration) error {
	return l.Log(&Event{
		Type:    eventType,
		EventID: eventID,
		Details: &AlarmDetails{
			Sound:      sound,
			DurationMs: duration.Milliseconds(),
		},
	})
}

// LogError logs a capture_error or archive_failed event.
func (l *Logger) LogError(eventType EventType, errMsg string, retryCount, maxRetries int) error {
	return l.Log(&Event{
		Type: eventType,
		Details: &ErrorDetails{
			Error:      errMsg,
			RetryCount: retryCount,
			MaxRetries: maxRetries,
		},
	})
}

// LogArchive logs a successful archive upload.
func (l *Logger) LogArchive(key string) error {
	return l.Log(&Event{
		Type:    ArchiveUploaded,
		Details: &ErrorDetails{Key: key},
	})
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll      TypeFilter = ""
	FilterListener TypeFilter = "listener"
	FilterClap     TypeFilter = "clap"
	FilterArchive  TypeFilter = "archive"
)

// ParseFilter converts a query value to a TypeFilter.
func ParseFilter(s string) (TypeFilter, error) {
	switch f := TypeFilter(s); f {
	case FilterAll, FilterListener, FilterClap, FilterArchive:
		return f, nil
	default:
		return FilterAll, fmt.Errorf("unknown event filter %q", s)
	}
}

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast returns up to n events starting at offset, newest first, that
// match filter. The boolean reports whether older matching events exist.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}
	offset = max(offset, 0)

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}

	return events, false, nil
}

// Matches reports whether t belongs to the filter's group.
func (f TypeFilter) Matches(t EventType) bool {
	switch f {
	case FilterListener:
		return IsListenerEvent(t)
	case FilterClap:
		return IsClapEvent(t)
	case FilterArchive:
		return IsArchiveEvent(t)
	default:
		return true
	}
}

// IsListenerEvent returns true if the event type is a listener event.
func IsListenerEvent(t EventType) bool {
	return t == ListeningStarted || t == ListeningStopped || t == CaptureError
}

// IsClapEvent returns true if the event type is a clap or alarm event.
func IsClapEvent(t EventType) bool {
	return t == ClapDetected || t == AlarmStarted || t == AlarmStopped
}

// IsArchiveEvent returns true if the event type is an archive event.
func IsArchiveEvent(t EventType) bool {
	return t == ArchiveUploaded || t == ArchiveFailed
}
