// Package config carries the options that parametrize an emulated process
// construction, following the Config-struct-plus-flag-registration duality
// used by the teacher's own runsc config package: a single struct that can
// be populated from a TOML file or from a flag set, and which subcommands
// pass down to the core verbatim.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// LogLevel mirrors the enumerated log levels from the external interface
// section of the spec: OFF, ERROR, WARN, INFO, DEBUG, TRACE.
type LogLevel int

const (
	LogOff LogLevel = iota
	LogError
	LogWarn
	LogInfo
	LogDebug
	LogTrace
)

// String implements fmt.Stringer.
func (l LogLevel) String() string {
	switch l {
	case LogOff:
		return "OFF"
	case LogError:
		return "ERROR"
	case LogWarn:
		return "WARN"
	case LogInfo:
		return "INFO"
	case LogDebug:
		return "DEBUG"
	case LogTrace:
		return "TRACE"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

// ParseLogLevel parses one of the enumerated level names, case-insensitively.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(s) {
	case "OFF":
		return LogOff, nil
	case "ERROR":
		return LogError, nil
	case "WARN", "WARNING":
		return LogWarn, nil
	case "INFO":
		return LogInfo, nil
	case "DEBUG":
		return LogDebug, nil
	case "TRACE":
		return LogTrace, nil
	default:
		return LogOff, fmt.Errorf("unknown log level %q", s)
	}
}

// Logrus converts the level to its logrus equivalent. logrus has no "off"
// level, so OFF (and any unknown value) maps to ErrorLevel; NewLogger
// silences OFF by discarding the output instead.
func (l LogLevel) Logrus() logrus.Level {
	switch l {
	case LogError:
		return logrus.ErrorLevel
	case LogWarn:
		return logrus.WarnLevel
	case LogInfo:
		return logrus.InfoLevel
	case LogDebug:
		return logrus.DebugLevel
	case LogTrace:
		return logrus.TraceLevel
	default:
		// logrus has no "off"; callers should gate on LogOff explicitly
		// before ever calling the logger. Falling back to Error keeps
		// a misuse from going totally silent.
		return logrus.ErrorLevel
	}
}

// Config is every construction- and behavior-tunable the core reads.
// Populated either from TOML (LoadFile) or built programmatically by a CLI
// flag set (see cmd/arion).
type Config struct {
	// LogLvl is the §6 log_lvl option.
	LogLvl LogLevel `toml:"log_lvl"`

	// ThreadBlockingIO is the §6 thread_blocking_io option: when false
	// (the default), syscall handlers probe readiness on the host and
	// yield instead of blocking.
	ThreadBlockingIO bool `toml:"thread_blocking_io"`

	// FSRoot is the sandbox root every guest-visible path is rewritten
	// against (§4.8 path sandboxing).
	FSRoot string `toml:"fs_root"`

	// Cwd is the initial guest working directory, relative paths are
	// rewritten against it.
	Cwd string `toml:"cwd"`

	// Env is the initial guest environment, "KEY=VALUE" entries.
	Env []string `toml:"env"`
}

// Default returns the documented defaults: log_lvl=WARN, thread_blocking_io=false.
func Default() Config {
	return Config{
		LogLvl:           LogWarn,
		ThreadBlockingIO: false,
		FSRoot:           "/",
		Cwd:              "/",
	}
}

// LoadFile decodes a TOML config file on top of Default().
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err != nil {
		return Config{}, err
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// NewLogger builds a logrus.Logger configured to the requested level,
// writing to stderr the way the teacher's sandboxes log by default.
func NewLogger(lvl LogLevel) *logrus.Logger {
	logger := logrus.New()
	if lvl == LogOff {
		logger.SetOutput(io.Discard)
	} else {
		logger.SetOutput(os.Stderr)
		logger.SetLevel(lvl.Logrus())
	}
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger
}
