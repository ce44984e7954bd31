package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/oszuidwest/clapfinder/internal/types"
	"github.com/oszuidwest/clapfinder/internal/util"
)

// LogClap records a detected clap.
func LogClap(logPath string, ev types.ClapEvent) error {
	return appendLogEntry(logPath, &types.ClapLogEntry{
		Timestamp: ev.Time.UTC().Format(time.RFC3339),
		Event:     EventClapDetected,
		EventID:   ev.ID,
		RMS:       ev.RMS,
		Peak:      ev.Peak,
		Threshold: ev.Threshold,
	})
}

// LogAlarmStopped records the end of an alarm.
func LogAlarmStopped(logPath, eventID string, duration time.Duration) error {
	return appendLogEntry(logPath, &types.ClapLogEntry{
		Timestamp:  timestampUTC(),
		Event:      EventAlarmStopped,
		EventID:    eventID,
		DurationMs: duration.Milliseconds(),
	})
}

// WriteTestLog writes a test log entry.
func WriteTestLog(logPath string) error {
	if logPath == "" {
		return fmt.Errorf("log file path not configured")
	}

	return appendLogEntry(logPath, &types.ClapLogEntry{
		Timestamp: timestampUTC(),
		Event:     EventTest,
		Message:   "test entry from " + AppName,
	})
}

// appendLogEntry appends a log entry to the file.
func appendLogEntry(logPath string, entry *types.ClapLogEntry) error {
	if !util.IsConfigured(logPath) {
		return nil
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return util.WrapError("marshal log entry", err)
	}
	jsonData = append(jsonData, '\n')

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return util.WrapError("open log file", err)
	}

	if _, err := f.Write(jsonData); err != nil {
		_ = f.Close()
		return util.WrapError("write log entry", err)
	}
	return f.Close()
}
