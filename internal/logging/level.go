// Package logging provides the structured-log level helpers shared by
// the CLI, daemon, and hook dispatcher, adapted from the teacher's
// internal/config log-level parsing (config/logging.go) since this
// module has no config file of its own to own that logic (spec §6.1:
// config.toml is a non-core, launcher-owned concern).
package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace is a custom log level below Debug for wire-level forensics
// (MQTT publishes, store SQL), matching the teacher's convention.
const LevelTrace = slog.Level(-8)

// ParseLevel converts a string to a slog.Level. Supported values:
// trace, debug, info, warn, error (case-insensitive, blank = info).
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLevelNames customizes the rendered level name for LevelTrace;
// pass as a slog.HandlerOptions.ReplaceAttr.
func ReplaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
