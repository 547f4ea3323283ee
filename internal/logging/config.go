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
	"go.bug.st/serial"
)

const (
	EnvLogLevel     = "EDGENODE_LOG_LEVEL"
	EnvLogTimestamp = "EDGENODE_LOG_TIMESTAMP"
	EnvLogNoColor   = "EDGENODE_LOG_NOCOLOR"
	EnvLogSerial    = "EDGENODE_LOG_SERIAL"
	EnvLogBaud      = "EDGENODE_LOG_BAUD"
)

const DefaultBaud = 115200

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the resolved sink configuration. SerialPort, when set, mirrors
// every line to a UART so a node without a display can still be followed.
type Config struct {
	App        string
	Level      zerolog.Level
	Timestamp  bool
	NoColor    bool
	SerialPort string
	SerialBaud int
}

var configureOnce sync.Once

func ConfigureRuntime(overrides ...func(*Config)) {
	Configure(ProfileRuntime, overrides...)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

// Configure installs the process logger once. Overrides run before the
// environment so EDGENODE_LOG_* always has the last word.
func Configure(profile Profile, overrides ...func(*Config)) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		for _, fn := range overrides {
			if fn != nil {
				fn(&cfg)
			}
		}
		applyEnvOverrides(&cfg)
		log.Logger = build(cfg)
	})
}

func defaultConfig(profile Profile) Config {
	cfg := Config{App: "edgenode", SerialBaud: DefaultBaud}
	switch profile {
	case ProfileTest:
		cfg.Level = zerolog.DebugLevel
		cfg.Timestamp = false
	default:
		cfg.Level = zerolog.InfoLevel
		cfg.Timestamp = true
	}
	return cfg
}

func build(cfg Config) zerolog.Logger {
	var writers []io.Writer
	writers = append(writers, consoleWriter(os.Stdout, cfg.NoColor, cfg.Timestamp))

	var serialErr error
	if cfg.SerialPort != "" {
		port, err := serial.Open(cfg.SerialPort, &serial.Mode{BaudRate: cfg.SerialBaud})
		if err != nil {
			serialErr = err
		} else {
			writers = append(writers, consoleWriter(port, true, cfg.Timestamp))
		}
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(cfg.Level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	if cfg.App != "" {
		ctx = ctx.Str("app", cfg.App)
	}
	logger := ctx.Logger()

	if serialErr != nil {
		logger.Warn().Err(serialErr).Str("port", cfg.SerialPort).Msg("serial log sink unavailable")
	}
	return logger
}

func consoleWriter(out io.Writer, noColor, timestamp bool) zerolog.ConsoleWriter {
	w := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    noColor,
		TimeFormat: time.RFC3339,
	}
	if !timestamp {
		w.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	return w
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogSerial)); v != "" {
		cfg.SerialPort = v
	}
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(EnvLogBaud))); err == nil && v > 0 {
		cfg.SerialBaud = v
	}
}

// ParseLevel maps a level name to zerolog; ok is false for blank or unknown input.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
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
