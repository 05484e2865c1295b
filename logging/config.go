// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "EDGE_RPC_LOG_LEVEL"
	EnvLogTimestamp = "EDGE_RPC_LOG_TIMESTAMP"
	EnvLogNoColor   = "EDGE_RPC_LOG_NOCOLOR"
	EnvLogJSON      = "EDGE_RPC_LOG_JSON"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Settings is the resolved logger configuration.
type Settings struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	JSON      bool
}

var configureOnce sync.Once

func ConfigureRuntime(adjust ...func(*Settings)) {
	Configure(ProfileRuntime, adjust...)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure installs the global logger once per process. adjust runs after the profile
// defaults and before the environment overrides, so env always wins.
func Configure(profile Profile, adjust ...func(*Settings)) {
	configureOnce.Do(func() {
		s := defaultSettings(profile)
		for _, fn := range adjust {
			fn(&s)
		}
		applyEnvOverrides(&s)
		zerolog.SetGlobalLevel(s.Level)
		log.Logger = New(os.Stderr, s)
	})
}

// New builds a logger writing to w according to s.
func New(w io.Writer, s Settings) zerolog.Logger {
	out := w
	if !s.JSON {
		out = zerolog.ConsoleWriter{Out: w, NoColor: s.NoColor, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(out).With()
	if s.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

func defaultSettings(profile Profile) Settings {
	switch profile {
	case ProfileTest:
		return Settings{Level: zerolog.DebugLevel, Timestamp: false}
	default:
		return Settings{Level: zerolog.InfoLevel, Timestamp: true}
	}
}

func applyEnvOverrides(s *Settings) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		s.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		s.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		s.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		s.JSON = v
	}
}

// ParseLevel maps a level name to a zerolog level. ok is false for empty or unknown names.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
