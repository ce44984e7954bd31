// Package config provides application configuration management.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oszuidwest/clapfinder/internal/audio"
	"github.com/oszuidwest/clapfinder/internal/types"
	"github.com/oszuidwest/clapfinder/internal/util"
	"gopkg.in/yaml.v3"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort          = 8080
	DefaultWebUsername      = "admin"
	DefaultWebPassword      = "clapfinder"
	DefaultDeviceName       = "Clap Finder"
	DefaultSensitivity      = audio.DefaultThreshold
	DefaultCooldownMs       = 10000
	DefaultSound            = "Alarm"
	DefaultSoundRepeatCount = 5
	DefaultFlashDurationMs  = 10000
	DefaultStartDelayMs     = 300
	DefaultSoundIntervalMs  = 2000
	DefaultFlashIntervalMs  = 300
	DefaultVolume           = 100
	DefaultRedisChannel     = "clapfinder:events"
	DefaultRedisListKey     = "clapfinder:recent"
	DefaultRedisListSize    = 100
	DefaultArchiveInterval  = 60 // minutes
)

// namePattern accepts printable characters only (blocks CRLF injection in email subjects).
var namePattern = regexp.MustCompile(`^[^\x00-\x1F\x7F]+$`)

// AlarmSounds lists the selectable alarm sounds.
var AlarmSounds = []string{"Alarm", "Bell", "Chime", "Horn", "Siren"}

// ErrInvalidSensitivity is returned when a sensitivity is not a positive number up to 1.
var ErrInvalidSensitivity = errors.New("sensitivity must be greater than 0 and at most 1")

// SystemConfig holds system-level settings that require restart.
type SystemConfig struct {
	Name       string `json:"name" yaml:"name" validate:"required,max=30"`  // Device name used in notifications
	FFmpegPath string `json:"ffmpeg_path" yaml:"ffmpeg_path"`               // Path to FFmpeg binary (empty = use PATH)
	PlayerPath string `json:"player_path" yaml:"player_path"`               // Path to ffplay binary (empty = use PATH)
	Port       int    `json:"port" yaml:"port" validate:"gte=1,lte=65535"`  // HTTP server port
	Username   string `json:"username" yaml:"username" validate:"required"` // API username
	Password   string `json:"password" yaml:"password" validate:"required"` // API password
	EventLog   string `json:"event_log" yaml:"event_log"`                   // Event log path (empty = next to config)
}

// AudioConfig holds audio input device settings.
type AudioConfig struct {
	Input       string `json:"input" yaml:"input"`                                            // Audio input device identifier
	SampleRate  int    `json:"sample_rate" yaml:"sample_rate" validate:"gte=8000,lte=192000"` // Capture sample rate in Hz
	ChunkFrames int    `json:"chunk_frames" yaml:"chunk_frames" validate:"gte=64,lte=65536"`  // Frames per analyzed chunk
}

// DetectionConfig holds the clap detection parameters.
type DetectionConfig struct {
	Sensitivity float64 `json:"sensitivity" yaml:"sensitivity" validate:"gt=0,lte=1"`       // Linear RMS threshold
	CooldownMs  int64   `json:"cooldown_ms" yaml:"cooldown_ms" validate:"gte=0,lte=600000"` // Minimum interval between events
}

// AlarmConfig holds the alarm output settings.
type AlarmConfig struct {
	Sound            string `json:"sound" yaml:"sound" validate:"oneof=Alarm Bell Chime Horn Siren"`
	FlashEnabled     bool   `json:"flash_enabled" yaml:"flash_enabled"`
	SoundRepeatCount int    `json:"sound_repeat_count" yaml:"sound_repeat_count" validate:"gte=0,lte=100"`  // 0 = until stopped
	FlashDurationMs  int64  `json:"flash_duration_ms" yaml:"flash_duration_ms" validate:"gte=0,lte=600000"` // 0 = until stopped
	StartDelayMs     int64  `json:"start_delay_ms" yaml:"start_delay_ms" validate:"gte=0,lte=10000"`
	SoundIntervalMs  int64  `json:"sound_interval_ms" yaml:"sound_interval_ms" validate:"gte=250,lte=60000"`
	FlashIntervalMs  int64  `json:"flash_interval_ms" yaml:"flash_interval_ms" validate:"gte=50,lte=10000"`
	TorchLED         string `json:"torch_led" yaml:"torch_led" validate:"omitempty,excludesall=/"` // LED class name under /sys/class/leds
	VibrateCommand   string `json:"vibrate_command" yaml:"vibrate_command"`                        // Haptic command, e.g. termux-vibrate
	Volume           int    `json:"volume" yaml:"volume" validate:"gte=0,lte=100"`                 // Playback volume in percent
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	URL string `json:"url" yaml:"url" validate:"omitempty,url,max=2048"` // Webhook URL for clap alerts
}

// LogConfig holds log file notification settings.
type LogConfig struct {
	Path string `json:"path" yaml:"path" validate:"omitempty,max=4096"` // Log file path for clap events
}

// NotificationsConfig holds all notification channel settings.
type NotificationsConfig struct {
	Webhook WebhookConfig     `json:"webhook" yaml:"webhook"`
	Log     LogConfig         `json:"log" yaml:"log"`
	Email   types.GraphConfig `json:"email" yaml:"email"`
	Redis   types.RedisConfig `json:"redis" yaml:"redis"`
}

// Settings is the persisted part of the configuration.
type Settings struct {
	System        SystemConfig        `json:"system" yaml:"system"`
	Audio         AudioConfig         `json:"audio" yaml:"audio"`
	Detection     DetectionConfig     `json:"detection" yaml:"detection"`
	Alarm         AlarmConfig         `json:"alarm" yaml:"alarm"`
	Notifications NotificationsConfig `json:"notifications" yaml:"notifications"`
	Archive       types.S3Config      `json:"archive" yaml:"archive"`
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	Settings

	mu       sync.RWMutex
	filePath string
}

// DefaultDetection returns the default detection settings.
func DefaultDetection() DetectionConfig {
	return DetectionConfig{
		Sensitivity: DefaultSensitivity,
		CooldownMs:  DefaultCooldownMs,
	}
}

// DefaultAlarm returns the default alarm settings.
func DefaultAlarm() AlarmConfig {
	return AlarmConfig{
		Sound:            DefaultSound,
		FlashEnabled:     true,
		SoundRepeatCount: DefaultSoundRepeatCount,
		FlashDurationMs:  DefaultFlashDurationMs,
		StartDelayMs:     DefaultStartDelayMs,
		SoundIntervalMs:  DefaultSoundIntervalMs,
		FlashIntervalMs:  DefaultFlashIntervalMs,
		Volume:           DefaultVolume,
	}
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	return &Config{
		Settings: Settings{
			System: SystemConfig{
				Name:     DefaultDeviceName,
				Port:     DefaultWebPort,
				Username: DefaultWebUsername,
				Password: DefaultWebPassword,
			},
			Audio: AudioConfig{
				SampleRate:  audio.DefaultSampleRate,
				ChunkFrames: audio.DefaultChunkFrames,
			},
			Detection: DefaultDetection(),
			Alarm:     DefaultAlarm(),
			Notifications: NotificationsConfig{
				Redis: types.RedisConfig{
					Channel:  DefaultRedisChannel,
					ListKey:  DefaultRedisListKey,
					ListSize: DefaultRedisListSize,
				},
			},
			Archive: types.S3Config{
				IntervalMinutes: DefaultArchiveInterval,
			},
		},
		filePath: filePath,
	}
}

// FilePath returns the path of the backing config file.
func (c *Config) FilePath() string {
	return c.filePath
}

// isYAML reports whether the config file uses YAML encoding.
func (c *Config) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(c.filePath))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads config from file, creating a default if none exists.
// Values missing from the file keep their defaults.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if os.IsNotExist(err) {
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	settings := c.Settings
	if c.isYAML() {
		err = yaml.Unmarshal(data, &settings)
	} else {
		err = json.Unmarshal(data, &settings)
	}
	if err != nil {
		return util.WrapError("parse config", err)
	}

	if err := validateSettings(&settings); err != nil {
		return err
	}
	c.Settings = settings
	return nil
}

// validateSettings checks all configuration fields for correctness.
func validateSettings(s *Settings) error {
	if verr := util.ValidateStruct(s); verr != nil {
		return verr
	}
	if !namePattern.MatchString(s.System.Name) {
		return fmt.Errorf("invalid system.name %q: must be printable characters", s.System.Name)
	}
	if s.Notifications.Log.Path != "" {
		if err := util.ValidatePath("notifications.log.path", s.Notifications.Log.Path); err != nil {
			return err
		}
	}
	if s.Detection.Sensitivity < audio.MinRecommendedThreshold || s.Detection.Sensitivity > audio.MaxRecommendedThreshold {
		slog.Warn("sensitivity outside recommended range",
			"sensitivity", s.Detection.Sensitivity,
			"min", audio.MinRecommendedThreshold,
			"max", audio.MaxRecommendedThreshold)
	}
	return nil
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	var (
		data []byte
		err  error
	)
	if c.isYAML() {
		data, err = yaml.Marshal(&c.Settings)
	} else {
		data, err = json.MarshalIndent(&c.Settings, "", "  ")
	}
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// Update applies fn to a copy of the settings, validates the result and
// persists it. On any failure the previous settings are kept.
func (c *Config) Update(fn func(*Settings)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.Settings
	fn(&next)
	if err := validateSettings(&next); err != nil {
		return err
	}

	prev := c.Settings
	c.Settings = next
	if err := c.saveLocked(); err != nil {
		c.Settings = prev
		return err
	}
	return nil
}

// Export returns a copy of the persisted settings.
func (c *Config) Export() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Settings
}

// --- Getters for individual settings ---

// FFmpegPath returns the configured FFmpeg binary path.
func (c *Config) FFmpegPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.FFmpegPath
}

// PlayerPath returns the configured ffplay binary path.
func (c *Config) PlayerPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.PlayerPath
}

// Sensitivity returns the configured detection threshold.
func (c *Config) Sensitivity() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Detection.Sensitivity
}

// --- Setters for individual settings ---

// SetAudioInput updates the audio input device and saves the configuration.
func (c *Config) SetAudioInput(input string) error {
	return c.Update(func(s *Settings) { s.Audio.Input = input })
}

// SetSensitivity updates the detection threshold and saves the configuration.
// Invalid values are rejected and the previous threshold is kept.
func (c *Config) SetSensitivity(v float64) error {
	if !(v > 0) || v > 1 || math.IsInf(v, 0) {
		return ErrInvalidSensitivity
	}
	return c.Update(func(s *Settings) { s.Detection.Sensitivity = v })
}

// SetCooldownMs updates the detection cooldown and saves the configuration.
func (c *Config) SetCooldownMs(ms int64) error {
	return c.Update(func(s *Settings) { s.Detection.CooldownMs = ms })
}

// SetAlarm replaces the alarm settings and saves the configuration.
func (c *Config) SetAlarm(alarm AlarmConfig) error {
	return c.Update(func(s *Settings) { s.Alarm = alarm })
}

// SetWebhookURL updates the webhook URL and saves the configuration.
func (c *Config) SetWebhookURL(url string) error {
	return c.Update(func(s *Settings) { s.Notifications.Webhook.URL = url })
}

// SetLogPath updates the log file path and saves the configuration.
func (c *Config) SetLogPath(path string) error {
	return c.Update(func(s *Settings) { s.Notifications.Log.Path = path })
}

// SetArchiveConfig updates the S3 archive settings and saves.
func (c *Config) SetArchiveConfig(archive types.S3Config) error {
	return c.Update(func(s *Settings) { s.Archive = archive })
}

// ResetToDefaults restores the detection and alarm settings to their defaults.
// System, audio device and notification settings are kept.
func (c *Config) ResetToDefaults() error {
	return c.Update(func(s *Settings) {
		s.Detection = DefaultDetection()
		torch, vibrate := s.Alarm.TorchLED, s.Alarm.VibrateCommand
		s.Alarm = DefaultAlarm()
		s.Alarm.TorchLED, s.Alarm.VibrateCommand = torch, vibrate
	})
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	DeviceName   string
	WebPort      int
	WebUser      string
	WebPassword  string
	FFmpegPath   string
	PlayerPath   string
	EventLogPath string

	// Audio
	AudioInput  string
	SampleRate  int
	ChunkFrames int

	// Detection
	Sensitivity float64
	Cooldown    time.Duration

	// Alarm
	Alarm AlarmConfig

	// Notifications
	WebhookURL string
	LogPath    string
	Graph      types.GraphConfig
	Redis      types.RedisConfig

	// Archive
	Archive types.S3Config
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	eventLog := c.System.EventLog
	if eventLog == "" {
		eventLog = filepath.Join(filepath.Dir(c.filePath), "events.jsonl")
	}

	return Snapshot{
		DeviceName:   c.System.Name,
		WebPort:      c.System.Port,
		WebUser:      c.System.Username,
		WebPassword:  c.System.Password,
		FFmpegPath:   c.System.FFmpegPath,
		PlayerPath:   c.System.PlayerPath,
		EventLogPath: eventLog,

		AudioInput:  c.Audio.Input,
		SampleRate:  c.Audio.SampleRate,
		ChunkFrames: c.Audio.ChunkFrames,

		Sensitivity: c.Detection.Sensitivity,
		Cooldown:    time.Duration(c.Detection.CooldownMs) * time.Millisecond,

		Alarm: c.Alarm,

		WebhookURL: c.Notifications.Webhook.URL,
		LogPath:    c.Notifications.Log.Path,
		Graph:      c.Notifications.Email,
		Redis:      c.Notifications.Redis,

		Archive: c.Archive,
	}
}

// HasWebhook reports whether a webhook URL is configured.
func (s *Snapshot) HasWebhook() bool {
	return s.WebhookURL != ""
}

// HasGraph reports whether Microsoft Graph email notifications are configured.
func (s *Snapshot) HasGraph() bool {
	return util.IsConfigured(s.Graph.TenantID, s.Graph.ClientID, s.Graph.ClientSecret,
		s.Graph.FromAddress, s.Graph.Recipients)
}

// HasLogPath reports whether a log path is configured.
func (s *Snapshot) HasLogPath() bool {
	return s.LogPath != ""
}

// HasRedis reports whether Redis publishing is configured.
func (s *Snapshot) HasRedis() bool {
	return s.Redis.Addr != ""
}

// HasArchive reports whether S3 archiving is configured.
func (s *Snapshot) HasArchive() bool {
	return util.IsConfigured(s.Archive.Bucket, s.Archive.AccessKeyID, s.Archive.SecretAccessKey)
}

// ArchiveInterval returns the archive upload interval.
func (s *Snapshot) ArchiveInterval() time.Duration {
	return time.Duration(max(s.Archive.IntervalMinutes, 1)) * time.Minute
}
