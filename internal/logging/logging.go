// Package logging provides structured logging functionality.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "tradebridge", "logs", "tradebridge.log"),
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
	}
}

var levelTags = map[string]*color.Color{
	"trace": color.New(color.FgHiBlack),
	"debug": color.New(color.FgCyan),
	"info":  color.New(color.FgGreen),
	"warn":  color.New(color.FgYellow),
	"error": color.New(color.FgRed),
	"fatal": color.New(color.FgRed, color.Bold),
	"panic": color.New(color.FgRed, color.Bold),
}

func formatLevel(i interface{}) string {
	ll, ok := i.(string)
	if !ok {
		return "???"
	}
	tag := strings.ToUpper(ll)
	if len(tag) > 3 {
		tag = tag[:3]
	}
	if c, ok := levelTags[ll]; ok {
		return c.Sprint(tag)
	}
	return tag
}

// NewLoggerWithConfig builds a logger writing to the console, a rotating
// file, both, or nowhere. Console output goes to stderr so command output on
// stdout stays machine readable.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:         os.Stderr,
			NoColor:     color.NoColor,
			TimeFormat:  time.Kitchen,
			FormatLevel: formatLevel,
		})
	}

	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o700); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var w io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(w).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("app", "tradebridge").
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithBroker adds a broker name to the logger context.
func WithBroker(logger zerolog.Logger, broker string) zerolog.Logger {
	return logger.With().Str("broker", broker).Logger()
}

// WithProvider adds an AI provider name to the logger context.
func WithProvider(logger zerolog.Logger, provider string) zerolog.Logger {
	return logger.With().Str("provider", provider).Logger()
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// WithOrderID adds an order ID to the logger context.
func WithOrderID(logger zerolog.Logger, orderID string) zerolog.Logger {
	return logger.With().Str("order_id", orderID).Logger()
}

// LogOrder logs an order event.
func LogOrder(logger zerolog.Logger, orderID, symbol, side, status string) {
	logger.Info().
		Str("event", "order").
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("side", side).
		Str("status", status).
		Msg("Order update")
}

// LogVote logs a single provider vote.
func LogVote(logger zerolog.Logger, provider, direction string, confidence float64, latency time.Duration, errMsg string) {
	event := logger.Debug().
		Str("event", "vote").
		Str("provider", provider).
		Str("direction", direction).
		Float64("confidence", confidence).
		Dur("latency", latency)
	if errMsg != "" {
		event.Str("error", errMsg).Msg("Provider vote failed")
		return
	}
	event.Msg("Provider vote")
}

// LogConsensus logs an aggregated decision.
func LogConsensus(logger zerolog.Logger, id, symbol, direction string, confidence float64, shouldTrade bool, valid, total int) {
	logger.Info().
		Str("event", "consensus").
		Str("consensus_id", id).
		Str("symbol", symbol).
		Str("direction", direction).
		Float64("confidence", confidence).
		Bool("should_trade", shouldTrade).
		Int("valid_votes", valid).
		Int("total_votes", total).
		Msg("Consensus reached")
}

// LogAPICall logs an API call.
func LogAPICall(logger zerolog.Logger, method, endpoint string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "api_call").
		Str("method", method).
		Str("endpoint", endpoint).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("API call failed")
	} else {
		event.Msg("API call completed")
	}
}
