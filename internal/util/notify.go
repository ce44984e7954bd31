package util

import "log/slog"

// LogNotifyResult executes a notification function and logs the result.
// Extra attributes are appended to both log lines.
func LogNotifyResult(fn func() error, notifyType string, attrs ...any) {
	err := fn()
	args := append([]any{"type", notifyType}, attrs...)
	if err != nil {
		slog.Error("notification failed", append(args, "error", err)...)
	} else {
		slog.Info("notification sent", args...)
	}
}
