package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oszuidwest/clapfinder/internal/alarm"
	"github.com/oszuidwest/clapfinder/internal/archive"
	"github.com/oszuidwest/clapfinder/internal/audio"
	"github.com/oszuidwest/clapfinder/internal/config"
	"github.com/oszuidwest/clapfinder/internal/finder"
	"github.com/oszuidwest/clapfinder/internal/notify"
	"github.com/oszuidwest/clapfinder/internal/types"
)

type stubCapture struct {
	mu      sync.Mutex
	running bool
}

func (c *stubCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	return nil
}

func (c *stubCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	return nil
}

func (c *stubCapture) Status() types.ListenerStatus {
	return types.ListenerStatus{State: types.ListenerStopped}
}

func (c *stubCapture) Levels() audio.Levels { return audio.SilentLevels }

type stubOutputs struct {
	err error
}

func (o stubOutputs) TestSound(context.Context) error   { return o.err }
func (o stubOutputs) TestFlash(context.Context) error   { return o.err }
func (o stubOutputs) TestVibrate(context.Context) error { return o.err }

type harness struct {
	cfg      *config.Config
	finder   *finder.Finder
	detector *audio.ClapDetector
	handler  *CommandHandler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	detector, err := audio.NewClapDetector(audio.DefaultThreshold, audio.DefaultCooldown)
	if err != nil {
		t.Fatal(err)
	}
	dispatcher := alarm.NewDispatcher(
		alarm.NewCommandSounder(""),
		alarm.NewLEDTorch(t.TempDir(), ""),
		alarm.NewCommandVibrator(""),
		alarm.SettingsFromConfig(config.DefaultAlarm()),
		nil,
	)
	t.Cleanup(func() { dispatcher.Stop() })

	notifier := notify.NewClapNotifier(cfg, nil)
	f := finder.New(detector, dispatcher, notifier, nil, nil)
	f.SetCapture(&stubCapture{})

	return &harness{
		cfg:      cfg,
		finder:   f,
		detector: detector,
		handler:  NewCommandHandler(cfg, f, stubOutputs{}, notifier, archive.New(cfg, nil, nil)),
	}
}

// run sends one command and returns the first result.
func (h *harness) run(t *testing.T, cmdType, data string) types.WSCommandResult {
	t.Helper()
	send := make(chan any, 4)
	cmd := WSCommand{Type: cmdType}
	if data != "" {
		cmd.Data = []byte(data)
	}
	h.handler.Handle(cmd, send, func() {})

	select {
	case msg := <-send:
		res, ok := msg.(types.WSCommandResult)
		if !ok {
			t.Fatalf("%s: unexpected message %T", cmdType, msg)
		}
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no result", cmdType)
		return types.WSCommandResult{}
	}
}

func TestCommandsDriveFinder(t *testing.T) {
	h := newHarness(t)

	steps := []struct {
		cmd  string
		want types.FinderState
	}{
		{"listen/start", types.FinderListening},
		{"listen/stop", types.FinderIdle},
		{"toggle", types.FinderListening},
		{"toggle", types.FinderIdle},
	}
	for _, step := range steps {
		res := h.run(t, step.cmd, "")
		if !res.Success {
			t.Fatalf("%s failed: %s", step.cmd, res.Message)
		}
		if res.Type != step.cmd+"_result" {
			t.Errorf("result type = %q", res.Type)
		}
		if got := h.finder.State(); got != step.want {
			t.Errorf("after %s: state = %s, want %s", step.cmd, got, step.want)
		}
	}

	if res := h.run(t, "alarm/stop", ""); res.Success || res.Message != finder.ErrNoAlarm.Error() {
		t.Errorf("alarm/stop without alarm = %+v", res)
	}
}

func TestSettingsUpdateAppliesToDetector(t *testing.T) {
	h := newHarness(t)

	res := h.run(t, "settings/update", `{"sensitivity":0.05,"cooldown_ms":2000,"alarm":{"sound":"Bell"}}`)
	if !res.Success {
		t.Fatalf("settings/update failed: %+v", res)
	}

	if got := h.detector.Threshold(); got != 0.05 {
		t.Errorf("detector threshold = %v, want 0.05", got)
	}
	if got := h.detector.Cooldown(); got != 2*time.Second {
		t.Errorf("detector cooldown = %v, want 2s", got)
	}
	snap := h.cfg.Snapshot()
	if snap.Alarm.Sound != "Bell" || snap.Alarm.SoundRepeatCount != config.DefaultSoundRepeatCount {
		t.Errorf("alarm = %+v", snap.Alarm)
	}
}

func TestSettingsUpdateRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"zero sensitivity", `{"sensitivity":0}`},
		{"negative sensitivity", `{"sensitivity":-0.1}`},
		{"above full scale", `{"sensitivity":1.5}`},
		{"unknown sound", `{"alarm":{"sound":"Gong"}}`},
		{"fast flash", `{"alarm":{"flash_interval_ms":10}}`},
		{"bad webhook", `{"webhook":{"url":"not a url"}}`},
		{"bad redis addr", `{"redis":{"addr":"localhost"}}`},
		{"malformed", `{"sensitivity":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.run(t, "settings/update", tt.data)
			if res.Success {
				t.Fatal("settings/update succeeded, want failure")
			}
			if got := h.detector.Threshold(); got != audio.DefaultThreshold {
				t.Errorf("threshold = %v after rejected update, want %v", got, audio.DefaultThreshold)
			}
			if got := h.cfg.Snapshot().Sensitivity; got != config.DefaultSensitivity {
				t.Errorf("stored sensitivity = %v, want %v", got, config.DefaultSensitivity)
			}
		})
	}
}

func TestSettingsValidationErrorFields(t *testing.T) {
	h := newHarness(t)
	res := h.run(t, "settings/update", `{"sensitivity":-1}`)
	if res.Error == nil || len(res.Error.Errors) != 1 {
		t.Fatalf("error = %+v, want one field error", res.Error)
	}
	if field := res.Error.Errors[0].Field; field != "sensitivity" {
		t.Errorf("field = %q, want sensitivity", field)
	}
}

func TestSettingsResetRestoresDefaults(t *testing.T) {
	h := newHarness(t)
	if res := h.run(t, "settings/update", `{"sensitivity":0.08}`); !res.Success {
		t.Fatalf("update failed: %+v", res)
	}
	if res := h.run(t, "settings/reset", ""); !res.Success {
		t.Fatalf("reset failed: %+v", res)
	}
	if got := h.detector.Threshold(); got != audio.DefaultThreshold {
		t.Errorf("threshold = %v, want default", got)
	}
}

func TestSettingsSecretsRedacted(t *testing.T) {
	h := newHarness(t)
	res := h.run(t, "settings/update", `{"email":{"tenant_id":"t","client_id":"c","client_secret":"s3cret","from_address":"a@b.c","recipients":"d@e.f"}}`)
	if !res.Success {
		t.Fatalf("update failed: %+v", res)
	}

	settings := h.handler.Settings()
	if settings.Notifications.Email.ClientSecret != RedactedSecret || settings.System.Password != RedactedSecret {
		t.Errorf("secrets not redacted: %+v", settings.Notifications.Email)
	}

	// Posting the redacted placeholder keeps the stored secret.
	res = h.run(t, "settings/update", `{"email":{"tenant_id":"t2","client_id":"c","client_secret":"********","from_address":"a@b.c","recipients":"d@e.f"}}`)
	if !res.Success {
		t.Fatalf("second update failed: %+v", res)
	}
	if got := h.cfg.Snapshot().Graph; got.ClientSecret != "s3cret" || got.TenantID != "t2" {
		t.Errorf("graph = %+v, want secret kept and tenant updated", got)
	}
}

func TestRunTest(t *testing.T) {
	h := newHarness(t)

	res := h.run(t, "test/sound", "")
	if !res.Success {
		t.Errorf("test/sound failed: %+v", res)
	}

	if err := h.handler.RunTest(t.Context(), "teleport"); !errors.Is(err, ErrUnknownTest) {
		t.Errorf("RunTest(teleport) error = %v, want ErrUnknownTest", err)
	}
	if err := h.handler.RunTest(t.Context(), TestWebhook); err == nil {
		t.Error("webhook test without URL succeeded")
	}
	if err := h.handler.RunTest(t.Context(), TestS3); !errors.Is(err, archive.ErrNotConfigured) {
		t.Errorf("s3 test error = %v, want ErrNotConfigured", err)
	}

	h.handler.outputs = stubOutputs{err: alarm.ErrTorchUnavailable}
	if err := h.handler.RunTest(t.Context(), TestFlash); !errors.Is(err, alarm.ErrTorchUnavailable) {
		t.Errorf("flash test error = %v, want ErrTorchUnavailable", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t)
	if res := h.run(t, "teleport/now", ""); res.Success {
		t.Error("unknown command succeeded")
	}
}

func TestBasicAuth(t *testing.T) {
	cfg := config.New(filepath.Join(t.TempDir(), "config.json"))
	if err := cfg.Load(); err != nil {
		t.Fatal(err)
	}
	handler := BasicAuth(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		want       int
	}{
		{"valid", config.DefaultWebUsername, config.DefaultWebPassword, true, http.StatusNoContent},
		{"wrong password", config.DefaultWebUsername, "nope", true, http.StatusUnauthorized},
		{"wrong user", "root", config.DefaultWebPassword, true, http.StatusUnauthorized},
		{"missing", "", "", false, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate challenge")
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin, host string
		want         bool
	}{
		{"", "example.com", true},
		{"http://localhost:3000", "example.com", true},
		{"http://example.com", "example.com:8080", true},
		{"http://192.168.1.20", "example.com", true},
		{"http://127.0.0.1:8080", "example.com", true},
		{"http://evil.example", "example.com", false},
		{"://bad", "example.com", false},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.Host = tt.host
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := checkOrigin(req); got != tt.want {
			t.Errorf("checkOrigin(%q, host %q) = %v, want %v", tt.origin, tt.host, got, tt.want)
		}
	}
}
