package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/oszuidwest/clapfinder/internal/alarm"
	"github.com/oszuidwest/clapfinder/internal/archive"
	"github.com/oszuidwest/clapfinder/internal/audio"
	"github.com/oszuidwest/clapfinder/internal/eventlog"
	"github.com/oszuidwest/clapfinder/internal/finder"
	"github.com/oszuidwest/clapfinder/internal/listener"
	"github.com/oszuidwest/clapfinder/internal/notify"
	"github.com/oszuidwest/clapfinder/internal/server"
	"github.com/oszuidwest/clapfinder/internal/types"
)

const (
	defaultEventLimit = 50               // Page size of GET /api/events without a limit
	actionTimeout     = 60 * time.Second // Tests and manual archive uploads
)

// API response helpers

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, types.APIError{Error: message})
}

// writeErr maps err to an HTTP status. Validation errors carry their fields.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		s.writeJSON(w, http.StatusBadRequest, types.APIError{Error: "validation failed", Fields: verr})
		return
	}
	s.writeError(w, errorStatus(err), err.Error())
}

// errorStatus returns the HTTP status for an operation error.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, finder.ErrAlarmActive), errors.Is(err, finder.ErrNoAlarm),
		errors.Is(err, alarm.ErrAlarmActive):
		return http.StatusConflict
	case errors.Is(err, server.ErrUnknownTest), errors.Is(err, notify.ErrRedisNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, archive.ErrNotConfigured), errors.Is(err, archive.ErrNoEventLog),
		errors.Is(err, audio.ErrInvalidThreshold), errors.Is(err, audio.ErrInvalidCooldown):
		return http.StatusBadRequest
	case errors.Is(err, finder.ErrNoCapture), errors.Is(err, listener.ErrCaptureUnavailable),
		errors.Is(err, audio.ErrNoAudioDevice), errors.Is(err, alarm.ErrSoundUnavailable),
		errors.Is(err, alarm.ErrTorchUnavailable), errors.Is(err, alarm.ErrHapticsUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// parseJSON reads and parses JSON from request body.
// Returns parsed value and true on success, zero value and false on failure.
func parseJSON[T any](s *Server, w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return v, false
	}
	return v, true
}

// queryInt returns the integer query parameter name, or def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// statusResponse is the body of GET /api/status.
type statusResponse struct {
	Status          types.FinderStatus `json:"status"`
	Archive         archive.Status     `json:"archive"`
	FFmpegAvailable bool               `json:"ffmpeg_available"`
	Version         types.VersionInfo  `json:"version"`
}

// stateResponse is returned by the listening and alarm endpoints.
type stateResponse struct {
	State types.FinderState `json:"state"`
}

// handleHealth reports liveness.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"state":   string(s.finder.State()),
		"version": Version,
	})
}

// handleAPIStatus returns the runtime status.
// GET /api/status
func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Status:          s.finder.Status(),
		Archive:         s.archiver.Status(),
		FFmpegAvailable: s.ffmpegAvailable,
		Version:         s.version.Info(),
	})
}

// handleAPIGetSettings returns the settings with secrets redacted.
// GET /api/settings
func (s *Server) handleAPIGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.commands.Settings())
}

// handleAPIUpdateSettings validates and applies a partial settings update.
// POST /api/settings
func (s *Server) handleAPIUpdateSettings(w http.ResponseWriter, r *http.Request) {
	req, ok := parseJSON[server.SettingsUpdateRequest](s, w, r)
	if !ok {
		return
	}

	if err := s.commands.UpdateSettings(&req); err != nil {
		s.writeErr(w, err)
		return
	}

	s.broadcast(s.finder.State(), nil)
	s.writeJSON(w, http.StatusOK, s.commands.Settings())
}

// handleAPIResetSettings restores the default detection and alarm settings.
// POST /api/settings/reset
func (s *Server) handleAPIResetSettings(w http.ResponseWriter, r *http.Request) {
	if err := s.commands.ResetSettings(); err != nil {
		s.writeErr(w, err)
		return
	}

	s.broadcast(s.finder.State(), nil)
	s.writeJSON(w, http.StatusOK, s.commands.Settings())
}

// respondState writes the finder state, or the error of the operation.
func (s *Server) respondState(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stateResponse{State: s.finder.State()})
}

// handleAPIListenStart starts listening for claps.
// POST /api/listen/start
func (s *Server) handleAPIListenStart(w http.ResponseWriter, r *http.Request) {
	s.respondState(w, s.finder.StartListening())
}

// handleAPIListenStop stops listening.
// POST /api/listen/stop
func (s *Server) handleAPIListenStop(w http.ResponseWriter, r *http.Request) {
	s.respondState(w, s.finder.StopListening())
}

// handleAPIToggle switches between idle and listening, or stops the alarm.
// POST /api/toggle
func (s *Server) handleAPIToggle(w http.ResponseWriter, r *http.Request) {
	_, err := s.finder.Toggle()
	s.respondState(w, err)
}

// handleAPIAlarmStop stops the active alarm.
// POST /api/alarm/stop
func (s *Server) handleAPIAlarmStop(w http.ResponseWriter, r *http.Request) {
	s.respondState(w, s.finder.StopAlarm())
}

// handleAPIDetectorReset re-arms the detector.
// POST /api/detector/reset
func (s *Server) handleAPIDetectorReset(w http.ResponseWriter, r *http.Request) {
	s.finder.ResetDetector()
	s.respondState(w, nil)
}

// handleAPITest runs a one-shot output or notification test.
// POST /api/test/{kind}
func (s *Server) handleAPITest(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]

	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()

	if err := s.commands.RunTest(ctx, kind); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, types.WSTestResult{Type: "test", TestType: kind, Success: true})
}

// handleAPIEvents returns a page of the event log, newest first.
// GET /api/events?limit=50&offset=0&type=clap
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultEventLimit)
	if err != nil || limit < 1 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	filter, err := eventlog.ParseFilter(r.URL.Query().Get("type"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, hasMore, err := eventlog.ReadLast(s.config.Snapshot().EventLogPath, limit, offset, filter)
	if err != nil {
		slog.Error("failed to read event log", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read event log")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"events":   events,
		"has_more": hasMore,
	})
}

// handleAPIDevices returns available audio devices.
// GET /api/devices
func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices": audio.Devices(),
	})
}

// handleAPIArchiveStatus returns the archive status.
// GET /api/archive
func (s *Server) handleAPIArchiveStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.archiver.Status())
}

// handleAPIArchiveUpload uploads the event log immediately.
// POST /api/archive/upload
func (s *Server) handleAPIArchiveUpload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()

	key, err := s.archiver.UploadNow(ctx)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"key": key})
}

// handleAPIRecentNotifications returns the recent events kept in Redis.
// GET /api/notifications/recent?limit=20
func (s *Server) handleAPIRecentNotifications(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20)
	if err != nil || limit < 1 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	pub, err := notify.NewRedisPublisher(s.config.Snapshot().Redis)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	defer pub.Close() //nolint:errcheck // Short-lived read-only client

	recent, err := pub.Recent(r.Context(), int64(min(limit, eventlog.MaxReadLimit)))
	if err != nil {
		slog.Warn("failed to read recent notifications", "error", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": recent})
}
