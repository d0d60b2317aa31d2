package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/intervue/interview-rtc/internal/origin"
)

const (
	envVarLogFormat = "INTERVIEW_RTC_LOG_FORMAT"
	envVarLogLevel  = "INTERVIEW_RTC_LOG_LEVEL"
	envVarMode      = "INTERVIEW_RTC_MODE"

	DefaultMode Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Logging is the logger configuration shared by every binary.
type Logging struct {
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level
}

// loggingFlags registers --mode, --log-format and --log-level. The env vars
// are the flag defaults; when neither is set the format and level follow the
// mode.
type loggingFlags struct {
	mode, format, level string

	formatFromEnv, levelFromEnv bool
}

func registerLoggingFlags(fs *flag.FlagSet, lookup func(string) (string, bool)) *loggingFlags {
	lf := &loggingFlags{}

	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	formatDefault := envOrDefault(lookup, envVarLogFormat, "")
	lf.formatFromEnv = formatDefault != ""
	if !lf.formatFromEnv {
		formatDefault = defaultLogFormatForMode(modeDefault)
	}
	levelDefault := envOrDefault(lookup, envVarLogLevel, "")
	lf.levelFromEnv = levelDefault != ""
	if !lf.levelFromEnv {
		levelDefault = defaultLogLevelForMode(modeDefault)
	}

	fs.StringVar(&lf.mode, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&lf.format, "log-format", formatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&lf.level, "log-level", levelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	return lf
}

// resolve must run after fs.Parse.
func (lf *loggingFlags) resolve(fs *flag.FlagSet) (Logging, error) {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	mode, err := parseMode(lf.mode)
	if err != nil {
		return Logging{}, fmt.Errorf("%s/--mode: %w", envVarMode, err)
	}
	// A --mode given on the command line re-derives defaults the env did not
	// pin.
	if set["mode"] {
		if !lf.formatFromEnv && !set["log-format"] {
			lf.format = defaultLogFormatForMode(string(mode))
		}
		if !lf.levelFromEnv && !set["log-level"] {
			lf.level = defaultLogLevelForMode(string(mode))
		}
	}
	format, err := parseLogFormat(lf.format)
	if err != nil {
		return Logging{}, fmt.Errorf("%s/--log-format: %w", envVarLogFormat, err)
	}
	level, err := parseLogLevel(lf.level)
	if err != nil {
		return Logging{}, fmt.Errorf("%s/--log-level: %w", envVarLogLevel, err)
	}
	return Logging{Mode: mode, LogFormat: format, LogLevel: level}, nil
}

func NewLogger(cfg Logging) (*slog.Logger, error) {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg Logging) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}
	return out, nil
}
