// Package types provides shared type definitions used across the clap finder.
package types

import (
	"time"

	"github.com/oszuidwest/clapfinder/internal/audio"
)

// ListenerState represents the current state of the capture listener.
type ListenerState string

const (
	// ListenerStopped indicates the listener is not capturing.
	ListenerStopped ListenerState = "stopped"
	// ListenerStarting indicates the capture process is initializing.
	ListenerStarting ListenerState = "starting"
	// ListenerRunning indicates chunks are being captured and analyzed.
	ListenerRunning ListenerState = "running"
	// ListenerStopping indicates the listener is shutting down.
	ListenerStopping ListenerState = "stopping"
)

// FinderState is the application-level state of the clap finder.
type FinderState string

const (
	// FinderIdle means nothing is captured and no alarm is active.
	FinderIdle FinderState = "idle"
	// FinderListening means the microphone is monitored for claps.
	FinderListening FinderState = "listening"
	// FinderAlarm means a clap was detected and the alarm is active.
	FinderAlarm FinderState = "alarm"
)

const (
	// InitialRetryDelay is the starting delay between capture retry attempts.
	InitialRetryDelay = 3000 * time.Millisecond
	// MaxRetryDelay is the maximum delay between capture retry attempts.
	MaxRetryDelay = 60000 * time.Millisecond
	// MaxRetries is the maximum number of retry attempts for the capture source.
	MaxRetries = 10
	// SuccessThreshold is the duration after which the retry count resets.
	SuccessThreshold = 30000 * time.Millisecond
)

const (
	// ShutdownTimeout is the duration to wait for graceful shutdown.
	ShutdownTimeout = 3000 * time.Millisecond
	// PollInterval is the interval for polling process state.
	PollInterval = 50 * time.Millisecond
)

// ClapEvent describes a single accepted detection.
type ClapEvent struct {
	ID        string    `json:"id"`        // Unique event identifier
	Time      time.Time `json:"time"`      // Capture time of the triggering chunk
	RMS       float64   `json:"rms"`       // Linear RMS of the triggering chunk
	Peak      float64   `json:"peak"`      // Linear peak of the triggering chunk
	Threshold float64   `json:"threshold"` // Threshold in effect at detection
}

// ClapHandler receives accepted clap events.
type ClapHandler func(ClapEvent)

// ListenerStatus contains a summary of the listener's operational state.
type ListenerStatus struct {
	State      ListenerState `json:"state"`                // Current listener state
	Device     string        `json:"device,omitzero"`      // Capture device in use
	Uptime     string        `json:"uptime,omitzero"`      // Time since start
	LastError  string        `json:"last_error,omitzero"`  // Most recent error
	RetryCount int           `json:"retry_count,omitzero"` // Capture retry attempts
	MaxRetries int           `json:"max_retries"`          // Max capture retries
	Chunks     uint64        `json:"chunks"`               // Chunks analyzed since start
	Claps      uint64        `json:"claps"`                // Accepted events since start
	Suppressed uint64        `json:"suppressed,omitzero"`  // Loud chunks suppressed by cooldown
	Invalid    uint64        `json:"invalid,omitzero"`     // Chunks rejected by the analyzer
	Exhausted  bool          `json:"exhausted,omitempty"`  // Retry limit reached
}

// AlarmStatus contains the state of the alarm outputs.
type AlarmStatus struct {
	Active      bool      `json:"active"`              // Alarm is sounding or flashing
	Since       time.Time `json:"since,omitzero"`      // Time the alarm was triggered
	Sound       string    `json:"sound"`               // Selected alarm sound
	Sounding    bool      `json:"sounding,omitzero"`   // Sound task is running
	Flashing    bool      `json:"flashing,omitzero"`   // Flash task is running
	Plays       int       `json:"plays,omitzero"`      // Sound repetitions so far
	SoundAvail  bool      `json:"sound_available"`     // Sound output is available
	TorchAvail  bool      `json:"torch_available"`     // Torch output is available
	HapticAvail bool      `json:"haptic_available"`    // Vibration output is available
	LastError   string    `json:"last_error,omitzero"` // Most recent output error
}

// FinderStatus is a point-in-time view of the whole application.
type FinderStatus struct {
	State    FinderState          `json:"state"`               // Application state
	Listener ListenerStatus       `json:"listener"`            // Capture listener
	Detector audio.DetectorStatus `json:"detector"`            // Detector debounce state
	Alarm    AlarmStatus          `json:"alarm"`               // Alarm outputs
	LastClap *ClapEvent           `json:"last_clap,omitempty"` // Most recent accepted event
}

// WSStatusResponse is sent to clients with the full application status.
type WSStatusResponse struct {
	Type            string         `json:"type"`             // Message type identifier
	FFmpegAvailable bool           `json:"ffmpeg_available"` // FFmpeg binary is available
	Status          FinderStatus   `json:"status"`           // Runtime status
	Devices         []audio.Device `json:"devices"`          // Available audio devices
	Settings        any            `json:"settings"`         // Current configuration
	Version         VersionInfo    `json:"version"`          // Version information
}

// WSLevelsResponse is sent to clients with audio level updates.
type WSLevelsResponse struct {
	Type   string       `json:"type"`   // Message type identifier
	Levels audio.Levels `json:"levels"` // Current audio levels
}

// WSClapEvent is pushed to clients when a clap is accepted.
type WSClapEvent struct {
	Type  string    `json:"type"`  // "clap"
	Event ClapEvent `json:"event"` // The accepted event
}

// WSTestResult is sent to clients after a test operation completes.
type WSTestResult struct {
	Type     string `json:"type"`            // Message type identifier
	TestType string `json:"test_type"`       // Type of test performed
	Success  bool   `json:"success"`         // Test succeeded
	Error    string `json:"error,omitempty"` // Error message if failed
}

// ClapLogEntry represents a single entry in the notification log.
type ClapLogEntry struct {
	Timestamp  string  `json:"timestamp"`             // RFC3339 timestamp
	Event      string  `json:"event"`                 // clap_detected, alarm_stopped or test
	EventID    string  `json:"event_id,omitempty"`    // Clap event identifier
	RMS        float64 `json:"rms,omitempty"`         // Linear RMS of the triggering chunk
	Peak       float64 `json:"peak,omitempty"`        // Linear peak of the triggering chunk
	Threshold  float64 `json:"threshold,omitempty"`   // Threshold in effect at detection
	DurationMs int64   `json:"duration_ms,omitempty"` // Alarm duration (alarm_stopped only)
	Message    string  `json:"message,omitempty"`     // Free-form message
}

// GraphConfig contains Microsoft Graph API settings for email notifications.
type GraphConfig struct {
	TenantID     string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`         // Azure AD tenant ID
	ClientID     string `json:"client_id,omitempty" yaml:"client_id,omitempty"`         // App registration client ID
	ClientSecret string `json:"client_secret,omitempty" yaml:"client_secret,omitempty"` // App registration client secret
	FromAddress  string `json:"from_address,omitempty" yaml:"from_address,omitempty"`   // Shared mailbox address (sender)
	Recipients   string `json:"recipients,omitempty" yaml:"recipients,omitempty"`       // Comma-separated recipients
}

// RedisConfig contains settings for publishing clap events to Redis.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`         // host:port of the Redis server
	Password string `json:"password,omitempty" yaml:"password,omitempty"` // AUTH password
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`             // Database index
	Channel  string `json:"channel,omitempty" yaml:"channel,omitempty"`   // Pub/sub channel
	ListKey  string `json:"list_key,omitempty" yaml:"list_key,omitempty"` // List of recent events
	ListSize int    `json:"list_size,omitempty" yaml:"list_size,omitempty" validate:"omitempty,min=1,max=10000"`
}

// S3Config contains settings for archiving the event log to S3-compatible storage.
type S3Config struct {
	Endpoint        string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	Region          string `json:"region,omitempty" yaml:"region,omitempty"`
	Bucket          string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	Prefix          string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	IntervalMinutes int    `json:"interval_minutes,omitempty" yaml:"interval_minutes,omitempty" validate:"omitempty,min=1,max=10080"`
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string `json:"current"`              // Current version
	Latest      string `json:"latest,omitempty"`     // Latest available version
	UpdateAvail bool   `json:"update_available"`     // Update is available
	Commit      string `json:"commit,omitempty"`     // Git commit hash
	BuildTime   string `json:"build_time,omitempty"` // Build timestamp
}
