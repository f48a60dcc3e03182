// Package log configures structured logging for all careflow binaries.
package log

import (
	"log/slog"
	"os"
)

// Setup installs the default text handler on stderr. Unknown level strings
// fall back to info rather than failing startup.
func Setup(logLevel string) {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// WithModule returns a logger tagged with the careflow module name, the
// convention every package uses for its log lines.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
