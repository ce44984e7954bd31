package config

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oszuidwest/clapfinder/internal/types"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := New(path)

	if err := cfg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config was not written: %v", err)
	}

	snap := cfg.Snapshot()
	if snap.Sensitivity != DefaultSensitivity {
		t.Errorf("sensitivity = %v, want %v", snap.Sensitivity, DefaultSensitivity)
	}
	if snap.Cooldown != 10*time.Second {
		t.Errorf("cooldown = %v, want 10s", snap.Cooldown)
	}
	if snap.Alarm.Sound != "Alarm" || !snap.Alarm.FlashEnabled {
		t.Errorf("alarm defaults = %+v", snap.Alarm)
	}
	if snap.Alarm.SoundRepeatCount != 5 || snap.Alarm.FlashDurationMs != 10000 {
		t.Errorf("alarm limits = %d plays, %dms flash", snap.Alarm.SoundRepeatCount, snap.Alarm.FlashDurationMs)
	}
	if want := filepath.Join(filepath.Dir(path), "events.jsonl"); snap.EventLogPath != want {
		t.Errorf("event log path = %q, want %q", snap.EventLogPath, want)
	}
}

func TestLoadPartialJSONKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"detection": {"sensitivity": 0.05}, "alarm": {"sound": "Siren"}}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := New(path)
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	snap := cfg.Snapshot()
	if snap.Sensitivity != 0.05 {
		t.Errorf("sensitivity = %v, want 0.05", snap.Sensitivity)
	}
	if snap.Alarm.Sound != "Siren" {
		t.Errorf("sound = %q, want Siren", snap.Alarm.Sound)
	}
	if !snap.Alarm.FlashEnabled {
		t.Error("flash_enabled should keep its default when omitted")
	}
	if snap.Cooldown != 10*time.Second {
		t.Errorf("cooldown = %v, want default", snap.Cooldown)
	}
	if snap.WebPort != DefaultWebPort {
		t.Errorf("port = %d, want %d", snap.WebPort, DefaultWebPort)
	}
}

func TestLoadExplicitFalseFlash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"alarm": {"flash_enabled": false}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := New(path)
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Snapshot().Alarm.FlashEnabled {
		t.Error("explicit flash_enabled=false was overridden by the default")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `system:
  name: Kitchen phone
  port: 9090
detection:
  sensitivity: 0.01
  cooldown_ms: 5000
alarm:
  sound: Bell
  sound_repeat_count: 0
notifications:
  redis:
    addr: localhost:6379
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := New(path)
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	snap := cfg.Snapshot()
	if snap.DeviceName != "Kitchen phone" || snap.WebPort != 9090 {
		t.Errorf("system = %q:%d", snap.DeviceName, snap.WebPort)
	}
	if snap.Sensitivity != 0.01 || snap.Cooldown != 5*time.Second {
		t.Errorf("detection = %v / %v", snap.Sensitivity, snap.Cooldown)
	}
	if snap.Alarm.Sound != "Bell" || snap.Alarm.SoundRepeatCount != 0 {
		t.Errorf("alarm = %+v", snap.Alarm)
	}
	if !snap.HasRedis() || snap.Redis.Channel != DefaultRedisChannel {
		t.Errorf("redis = %+v", snap.Redis)
	}
	if snap.WebUser != DefaultWebUsername {
		t.Errorf("username = %q, want default", snap.WebUser)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		field string
	}{
		{"unknown_sound", `{"alarm": {"sound": "Kazoo"}}`, "alarm.sound"},
		{"zero_sensitivity", `{"detection": {"sensitivity": 0}}`, "detection.sensitivity"},
		{"negative_cooldown", `{"detection": {"cooldown_ms": -1}}`, "detection.cooldown_ms"},
		{"bad_port", `{"system": {"port": 70000}}`, "system.port"},
		{"bad_webhook", `{"notifications": {"webhook": {"url": "not a url"}}}`, "notifications.webhook.url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			if err := os.WriteFile(path, []byte(tt.data), 0o600); err != nil {
				t.Fatal(err)
			}

			err := New(path).Load()
			var verr *types.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Load error = %v, want ValidationError", err)
			}
			found := false
			for _, fe := range verr.Errors {
				if fe.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %+v do not mention %s", verr.Errors, tt.field)
			}
		})
	}
}

func TestLoadRejectsControlCharactersInName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"system": {"name": "phone\r\nBcc: x"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := New(path).Load(); err == nil {
		t.Error("expected error for name with CRLF")
	}
}

func TestSetSensitivityFailsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := New(path)
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}

	if err := cfg.SetSensitivity(0.04); err != nil {
		t.Fatalf("SetSensitivity(0.04): %v", err)
	}

	for _, v := range []float64{0, -0.1, 1.5, math.NaN(), math.Inf(1)} {
		if err := cfg.SetSensitivity(v); !errors.Is(err, ErrInvalidSensitivity) {
			t.Errorf("SetSensitivity(%v) error = %v, want ErrInvalidSensitivity", v, err)
		}
	}
	if got := cfg.Sensitivity(); got != 0.04 {
		t.Errorf("sensitivity = %v, want previous value 0.04", got)
	}

	reloaded := New(path)
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	if got := reloaded.Sensitivity(); got != 0.04 {
		t.Errorf("persisted sensitivity = %v, want 0.04", got)
	}
}

func TestUpdateKeepsPreviousOnValidationFailure(t *testing.T) {
	cfg := New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}

	err := cfg.Update(func(s *Settings) {
		s.Alarm.Sound = "Bell"
		s.Alarm.Volume = 250
	})
	if err == nil {
		t.Fatal("expected validation error for volume 250")
	}
	if got := cfg.Snapshot().Alarm.Sound; got != DefaultSound {
		t.Errorf("sound = %q, want unchanged %q", got, DefaultSound)
	}
}

func TestResetToDefaults(t *testing.T) {
	cfg := New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}

	alarm := DefaultAlarm()
	alarm.Sound = "Horn"
	alarm.FlashEnabled = false
	alarm.TorchLED = "flashlight"
	if err := cfg.SetAlarm(alarm); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetSensitivity(0.08); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SetAudioInput("plughw:CARD=Device,DEV=0"); err != nil {
		t.Fatal(err)
	}

	if err := cfg.ResetToDefaults(); err != nil {
		t.Fatalf("ResetToDefaults: %v", err)
	}

	snap := cfg.Snapshot()
	if snap.Sensitivity != DefaultSensitivity || snap.Alarm.Sound != DefaultSound || !snap.Alarm.FlashEnabled {
		t.Errorf("settings not reset: sensitivity=%v alarm=%+v", snap.Sensitivity, snap.Alarm)
	}
	if snap.Alarm.TorchLED != "flashlight" {
		t.Errorf("torch LED = %q, hardware settings should survive a reset", snap.Alarm.TorchLED)
	}
	if snap.AudioInput != "plughw:CARD=Device,DEV=0" {
		t.Errorf("audio input = %q, should survive a reset", snap.AudioInput)
	}
}

func TestSavedJSONLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := New(path)
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("saved config is not JSON: %v", err)
	}
	for _, key := range []string{"system", "audio", "detection", "alarm", "notifications", "archive"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("saved config misses %q section", key)
		}
	}
}

func TestSnapshotHelpers(t *testing.T) {
	snap := Snapshot{
		Graph:   types.GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s", FromAddress: "f", Recipients: "r"},
		Archive: types.S3Config{Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"},
	}
	if !snap.HasGraph() {
		t.Error("HasGraph should be true when all fields are set")
	}
	if !snap.HasArchive() {
		t.Error("HasArchive should be true when bucket and keys are set")
	}
	if snap.HasWebhook() || snap.HasLogPath() || snap.HasRedis() {
		t.Error("unset channels should report false")
	}
	if got := snap.ArchiveInterval(); got != time.Minute {
		t.Errorf("ArchiveInterval with zero minutes = %v, want 1m", got)
	}
}
