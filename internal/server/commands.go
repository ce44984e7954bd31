package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oszuidwest/clapfinder/internal/archive"
	"github.com/oszuidwest/clapfinder/internal/config"
	"github.com/oszuidwest/clapfinder/internal/finder"
	"github.com/oszuidwest/clapfinder/internal/notify"
	"github.com/oszuidwest/clapfinder/internal/util"
)

// Test kinds accepted by RunTest.
const (
	TestSound   = "sound"
	TestFlash   = "flash"
	TestVibrate = "vibrate"
	TestWebhook = "webhook"
	TestLog     = "log"
	TestEmail   = "email"
	TestRedis   = "redis"
	TestS3      = "s3"
)

// ErrUnknownTest is returned for an unsupported test kind.
var ErrUnknownTest = errors.New("unknown test")

const testTimeout = 60 * time.Second

// WSCommand is a command received from a WebSocket client.
type WSCommand struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OutputTester runs one-shot tests of the alarm outputs.
type OutputTester interface {
	TestSound(ctx context.Context) error
	TestFlash(ctx context.Context) error
	TestVibrate(ctx context.Context) error
}

// CommandHandler carries out the operations of the API and the WebSocket
// commands.
type CommandHandler struct {
	cfg      *config.Config
	finder   *finder.Finder
	outputs  OutputTester
	notifier *notify.ClapNotifier
	archiver *archive.Archiver
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(cfg *config.Config, f *finder.Finder, outputs OutputTester, notifier *notify.ClapNotifier, archiver *archive.Archiver) *CommandHandler {
	return &CommandHandler{
		cfg:      cfg,
		finder:   f,
		outputs:  outputs,
		notifier: notifier,
		archiver: archiver,
	}
}

// Handle processes a WebSocket command and performs the requested action.
// Commands use slash-style format: namespace/action (e.g., "listen/start").
func (h *CommandHandler) Handle(cmd WSCommand, send chan<- any, triggerStatusUpdate func()) {
	namespace, action, _ := strings.Cut(cmd.Type, "/")

	switch namespace {
	case "listen":
		h.handleListen(action, cmd, send)
	case "alarm":
		h.handleAlarm(action, cmd, send)
	case "toggle":
		state, err := h.finder.Toggle()
		respond(send, cmd.Type, map[string]any{"state": state}, err)
	case "detector":
		h.handleDetector(action, cmd, send)
	case "settings":
		h.handleSettings(action, cmd, send)
	case "test":
		HandleActionAsync(cmd, send, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()
			return nil, h.RunTest(ctx, action)
		})
	case "status":
		// Answered by the status update below.
	default:
		slog.Warn("unknown WebSocket command", "type", cmd.Type)
		SendError(send, cmd.Type, fmt.Errorf("unknown command %q", cmd.Type))
	}

	triggerStatusUpdate()
}

func respond(send chan<- any, cmdType string, data any, err error) {
	if err != nil {
		SendError(send, cmdType, err)
		return
	}
	SendSuccess(send, cmdType, data)
}

func (h *CommandHandler) handleListen(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "start":
		respond(send, cmd.Type, nil, h.finder.StartListening())
	case "stop":
		respond(send, cmd.Type, nil, h.finder.StopListening())
	default:
		slog.Warn("unknown listen action", "action", action)
	}
}

func (h *CommandHandler) handleAlarm(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "stop":
		respond(send, cmd.Type, nil, h.finder.StopAlarm())
	default:
		slog.Warn("unknown alarm action", "action", action)
	}
}

func (h *CommandHandler) handleDetector(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "reset":
		h.finder.ResetDetector()
		SendSuccess(send, cmd.Type, nil)
	default:
		slog.Warn("unknown detector action", "action", action)
	}
}

func (h *CommandHandler) handleSettings(action string, cmd WSCommand, send chan<- any) {
	switch action {
	case "get":
		SendSuccess(send, cmd.Type, h.Settings())
	case "update":
		HandleCommand(cmd, send, h.UpdateSettings)
	case "reset":
		respond(send, cmd.Type, nil, h.ResetSettings())
	default:
		slog.Warn("unknown settings action", "action", action)
	}
}

// Settings returns the persisted settings with secrets redacted.
func (h *CommandHandler) Settings() config.Settings {
	return RedactSettings(h.cfg.Export())
}

// UpdateSettings validates req, persists it and applies it to the running
// components. Invalid requests leave the configuration unchanged.
func (h *CommandHandler) UpdateSettings(req *SettingsUpdateRequest) error {
	if verr := util.ValidateStruct(req); verr != nil {
		return verr
	}
	if err := h.cfg.Update(req.Apply); err != nil {
		return err
	}

	if req.TouchesNotifications() {
		h.notifier.InvalidateClients()
	}
	if req.Archive != nil {
		h.archiver.Restart()
	}
	slog.Info("settings updated")
	return h.ApplySettings()
}

// ResetSettings restores the default detection and alarm settings.
func (h *CommandHandler) ResetSettings() error {
	if err := h.cfg.ResetToDefaults(); err != nil {
		return err
	}
	slog.Info("detection and alarm settings reset to defaults")
	return h.ApplySettings()
}

// ApplySettings pushes the current configuration into the finder.
func (h *CommandHandler) ApplySettings() error {
	snap := h.cfg.Snapshot()
	return h.finder.ApplySettings(&snap)
}

// RunTest runs a one-shot test of an alarm output or notification channel.
func (h *CommandHandler) RunTest(ctx context.Context, kind string) error {
	snap := h.cfg.Snapshot()

	var err error
	switch kind {
	case TestSound:
		err = h.outputs.TestSound(ctx)
	case TestFlash:
		err = h.outputs.TestFlash(ctx)
	case TestVibrate:
		err = h.outputs.TestVibrate(ctx)
	case TestWebhook:
		err = notify.SendTestWebhook(ctx, snap.WebhookURL, snap.DeviceName)
	case TestLog:
		err = notify.WriteTestLog(snap.LogPath)
	case TestEmail:
		err = notify.SendTestEmail(ctx, &snap.Graph, snap.DeviceName)
	case TestRedis:
		err = notify.SendTestRedis(ctx, snap.Redis, snap.DeviceName)
	case TestS3:
		err = archive.TestConnection(ctx, &snap.Archive)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTest, kind)
	}

	if err != nil {
		slog.Warn("test failed", "kind", kind, "error", err)
		return err
	}
	slog.Info("test succeeded", "kind", kind)
	return nil
}
