// Package logging holds the zerolog setup shared by the CLI and libraries.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultLevel is used when no level is configured.
const DefaultLevel = "info"

// OrNop dereferences l, returning a disabled logger when l is nil.
func OrNop(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return *l
}

// ParseLevel accepts zerolog level names, "warning", or a numeric level.
func ParseLevel(raw string) (zerolog.Level, error) {
	value := strings.TrimSpace(strings.ToLower(raw))
	if value == "" {
		value = DefaultLevel
	}
	if value == "warning" {
		value = "warn"
	}
	if numeric, err := strconv.Atoi(value); err == nil {
		return zerolog.Level(numeric), nil
	}
	level, err := zerolog.ParseLevel(value)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

// New builds a console logger writing to w (stderr when nil).
func New(rawLevel string, w io.Writer) (zerolog.Logger, error) {
	level, err := ParseLevel(rawLevel)
	if err != nil {
		return zerolog.Nop(), err
	}
	if w == nil {
		w = os.Stderr
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}
