// Package logging configures structured logging for the remote session
// server using log/slog.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// ServiceName is attached to every record as the "service" attribute.
const ServiceName = "remote-server"

// tokenPrefixLen is the most of a reconnection token that survives redaction.
const tokenPrefixLen = 8

// Level can be changed at runtime.
var Level slog.LevelVar

// Options describes the default logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	// FullTokens disables shortening of "token" attributes.
	FullTokens bool
	Output     io.Writer
}

// OptionsFromEnv reads LOG_LEVEL, LOG_FORMAT and LOG_FULL_TOKENS.
func OptionsFromEnv() Options {
	full, _ := strconv.ParseBool(os.Getenv("LOG_FULL_TOKENS"))
	return Options{
		Level:      os.Getenv("LOG_LEVEL"),
		Format:     os.Getenv("LOG_FORMAT"),
		FullTokens: full,
		Output:     os.Stderr,
	}
}

// Setup installs the default logger from the environment and routes the
// standard "log" package (used by net/http) through it.
func Setup() {
	Install(OptionsFromEnv())
}

// Install builds a logger from opts and makes it the default.
func Install(opts Options) *slog.Logger {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	Level.Set(ParseLevel(opts.Level))

	handlerOpts := &slog.HandlerOptions{Level: &Level}
	if !opts.FullTokens {
		handlerOpts.ReplaceAttr = redactTokens
	}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(opts.Format), "text") {
		handler = slog.NewTextHandler(opts.Output, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(opts.Output, handlerOpts)
	}

	logger := slog.New(handler).With("service", ServiceName)
	slog.SetDefault(logger)

	log.SetOutput(stdlibBridge{logger: logger})
	log.SetFlags(0)
	return logger
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// redactTokens shortens reconnection tokens. A token is enough to take over
// a session, so logs only carry a prefix for correlation.
func redactTokens(_ []string, a slog.Attr) slog.Attr {
	if a.Key != "token" || a.Value.Kind() != slog.KindString {
		return a
	}
	return slog.String(a.Key, ShortToken(a.Value.String()))
}

// ShortToken returns the loggable form of a reconnection token: at most
// eight characters and never more than half of it.
func ShortToken(token string) string {
	if token == "" {
		return ""
	}
	return token[:min(tokenPrefixLen, len(token)/2)] + "…"
}

// stdlibBridge turns standard "log" lines into slog records. net/http
// prefixes its server errors with "http: "; those become warnings.
type stdlibBridge struct {
	logger *slog.Logger
}

func (b stdlibBridge) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if rest, ok := strings.CutPrefix(msg, "http: "); ok {
		b.logger.Warn(rest, "source", "net/http")
	} else {
		b.logger.Info(msg, "source", "stdlib")
	}
	return len(p), nil
}
