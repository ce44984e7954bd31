package server

import (
	"github.com/oszuidwest/clapfinder/internal/config"
)

// Request types for settings updates with validation tags. Nil fields are
// left unchanged. Secrets equal to RedactedSecret keep their stored value.

// RedactedSecret replaces stored secrets in settings responses.
const RedactedSecret = "********"

// AlarmUpdateRequest updates alarm settings.
type AlarmUpdateRequest struct {
	Sound            *string `json:"sound" validate:"omitempty,oneof=Alarm Bell Chime Horn Siren"`
	FlashEnabled     *bool   `json:"flash_enabled"`
	SoundRepeatCount *int    `json:"sound_repeat_count" validate:"omitempty,gte=0,lte=100"`
	FlashDurationMs  *int64  `json:"flash_duration_ms" validate:"omitempty,gte=0,lte=600000"`
	StartDelayMs     *int64  `json:"start_delay_ms" validate:"omitempty,gte=0,lte=10000"`
	SoundIntervalMs  *int64  `json:"sound_interval_ms" validate:"omitempty,gte=250,lte=60000"`
	FlashIntervalMs  *int64  `json:"flash_interval_ms" validate:"omitempty,gte=50,lte=10000"`
	TorchLED         *string `json:"torch_led" validate:"omitempty,max=128,excludesall=/"`
	VibrateCommand   *string `json:"vibrate_command" validate:"omitempty,max=512"`
	Volume           *int    `json:"volume" validate:"omitempty,gte=0,lte=100"`
}

// WebhookUpdateRequest updates the webhook channel.
type WebhookUpdateRequest struct {
	URL string `json:"url" validate:"omitempty,url,max=2048"`
}

// LogUpdateRequest updates the log channel.
type LogUpdateRequest struct {
	Path string `json:"path" validate:"omitempty,max=4096"`
}

// EmailUpdateRequest updates the Graph email channel.
type EmailUpdateRequest struct {
	TenantID     string `json:"tenant_id" validate:"omitempty,max=100"`
	ClientID     string `json:"client_id" validate:"omitempty,max=100"`
	ClientSecret string `json:"client_secret" validate:"omitempty,max=500"`
	FromAddress  string `json:"from_address" validate:"omitempty,max=254"`
	Recipients   string `json:"recipients" validate:"omitempty,max=1000"`
}

// RedisUpdateRequest updates the Redis channel.
type RedisUpdateRequest struct {
	Addr     string `json:"addr" validate:"omitempty,hostname_port"`
	Password string `json:"password" validate:"omitempty,max=500"`
	DB       int    `json:"db" validate:"gte=0,lte=15"`
	Channel  string `json:"channel" validate:"omitempty,max=256"`
	ListKey  string `json:"list_key" validate:"omitempty,max=256"`
	ListSize int    `json:"list_size" validate:"omitempty,gte=1,lte=10000"`
}

// ArchiveUpdateRequest updates the S3 archive.
type ArchiveUpdateRequest struct {
	Endpoint        string `json:"endpoint" validate:"omitempty,url,max=2048"`
	Region          string `json:"region" validate:"omitempty,max=64"`
	Bucket          string `json:"bucket" validate:"omitempty,max=63"`
	AccessKeyID     string `json:"access_key_id" validate:"omitempty,max=128"`
	SecretAccessKey string `json:"secret_access_key" validate:"omitempty,max=256"`
	Prefix          string `json:"prefix" validate:"omitempty,max=512"`
	IntervalMinutes int    `json:"interval_minutes" validate:"omitempty,gte=1,lte=10080"`
}

// SettingsUpdateRequest is the body of POST /api/settings and settings/update.
type SettingsUpdateRequest struct {
	Name        *string               `json:"name" validate:"omitempty,max=30"`
	AudioInput  *string               `json:"audio_input" validate:"omitempty,max=256"`
	Sensitivity *float64              `json:"sensitivity" validate:"omitempty,gt=0,lte=1"`
	CooldownMs  *int64                `json:"cooldown_ms" validate:"omitempty,gte=0,lte=600000"`
	Alarm       *AlarmUpdateRequest   `json:"alarm"`
	Webhook     *WebhookUpdateRequest `json:"webhook"`
	Log         *LogUpdateRequest     `json:"log"`
	Email       *EmailUpdateRequest   `json:"email"`
	Redis       *RedisUpdateRequest   `json:"redis"`
	Archive     *ArchiveUpdateRequest `json:"archive"`
}

// TouchesNotifications reports whether a notification channel is updated.
func (r *SettingsUpdateRequest) TouchesNotifications() bool {
	return r.Name != nil || r.Webhook != nil || r.Log != nil || r.Email != nil || r.Redis != nil
}

// keepSecret returns current when v is the redaction placeholder.
func keepSecret(v, current string) string {
	if v == RedactedSecret {
		return current
	}
	return v
}

func setIfPresent[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Apply copies the requested changes into s.
func (r *SettingsUpdateRequest) Apply(s *config.Settings) {
	setIfPresent(&s.System.Name, r.Name)
	setIfPresent(&s.Audio.Input, r.AudioInput)
	setIfPresent(&s.Detection.Sensitivity, r.Sensitivity)
	setIfPresent(&s.Detection.CooldownMs, r.CooldownMs)

	if a := r.Alarm; a != nil {
		setIfPresent(&s.Alarm.Sound, a.Sound)
		setIfPresent(&s.Alarm.FlashEnabled, a.FlashEnabled)
		setIfPresent(&s.Alarm.SoundRepeatCount, a.SoundRepeatCount)
		setIfPresent(&s.Alarm.FlashDurationMs, a.FlashDurationMs)
		setIfPresent(&s.Alarm.StartDelayMs, a.StartDelayMs)
		setIfPresent(&s.Alarm.SoundIntervalMs, a.SoundIntervalMs)
		setIfPresent(&s.Alarm.FlashIntervalMs, a.FlashIntervalMs)
		setIfPresent(&s.Alarm.TorchLED, a.TorchLED)
		setIfPresent(&s.Alarm.VibrateCommand, a.VibrateCommand)
		setIfPresent(&s.Alarm.Volume, a.Volume)
	}

	if r.Webhook != nil {
		s.Notifications.Webhook.URL = r.Webhook.URL
	}
	if r.Log != nil {
		s.Notifications.Log.Path = r.Log.Path
	}
	if e := r.Email; e != nil {
		email := &s.Notifications.Email
		email.TenantID = e.TenantID
		email.ClientID = e.ClientID
		email.ClientSecret = keepSecret(e.ClientSecret, email.ClientSecret)
		email.FromAddress = e.FromAddress
		email.Recipients = e.Recipients
	}
	if rd := r.Redis; rd != nil {
		redis := &s.Notifications.Redis
		redis.Addr = rd.Addr
		redis.Password = keepSecret(rd.Password, redis.Password)
		redis.DB = rd.DB
		redis.Channel = rd.Channel
		redis.ListKey = rd.ListKey
		if rd.ListSize > 0 {
			redis.ListSize = rd.ListSize
		}
	}
	if ar := r.Archive; ar != nil {
		archive := &s.Archive
		archive.Endpoint = ar.Endpoint
		archive.Region = ar.Region
		archive.Bucket = ar.Bucket
		archive.AccessKeyID = ar.AccessKeyID
		archive.SecretAccessKey = keepSecret(ar.SecretAccessKey, archive.SecretAccessKey)
		archive.Prefix = ar.Prefix
		if ar.IntervalMinutes > 0 {
			archive.IntervalMinutes = ar.IntervalMinutes
		}
	}
}

// RedactSettings returns s with stored secrets replaced by RedactedSecret.
func RedactSettings(s config.Settings) config.Settings {
	redact := func(v *string) {
		if *v != "" {
			*v = RedactedSecret
		}
	}
	redact(&s.System.Password)
	redact(&s.Notifications.Email.ClientSecret)
	redact(&s.Notifications.Redis.Password)
	redact(&s.Archive.SecretAccessKey)
	return s
}
