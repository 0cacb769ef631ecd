package security

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// sensitiveFields contains field names that should be masked in logs.
var sensitiveFields = map[string]bool{
	"api_key":          true,
	"api_secret":       true,
	"apikey":           true,
	"secret":           true,
	"password":         true,
	"token":            true,
	"access_token":     true,
	"auth_token":       true,
	"auth-token":       true,
	"cst":              true,
	"x-security-token": true,
	"bearer":           true,
	"credential":       true,
	"credentials":      true,
}

// SafeLogger wraps zerolog.Logger to automatically mask sensitive data.
type SafeLogger struct {
	logger zerolog.Logger
}

// NewSafeLogger creates a new safe logger that masks sensitive data.
func NewSafeLogger(logger zerolog.Logger) *SafeLogger {
	return &SafeLogger{logger: logger}
}

// Logger returns the wrapped logger.
func (sl *SafeLogger) Logger() zerolog.Logger {
	return sl.logger
}

func (sl *SafeLogger) Debug() *SafeEvent { return &SafeEvent{event: sl.logger.Debug()} }
func (sl *SafeLogger) Info() *SafeEvent  { return &SafeEvent{event: sl.logger.Info()} }
func (sl *SafeLogger) Warn() *SafeEvent  { return &SafeEvent{event: sl.logger.Warn()} }
func (sl *SafeLogger) Error() *SafeEvent { return &SafeEvent{event: sl.logger.Error()} }

// SafeEvent wraps zerolog.Event to mask sensitive data.
type SafeEvent struct {
	event *zerolog.Event
}

// Str adds a string field, masking if sensitive.
func (se *SafeEvent) Str(key, val string) *SafeEvent {
	if isSensitiveField(key) {
		se.event = se.event.Str(key, MaskCredential(val))
	} else {
		se.event = se.event.Str(key, Redact(val))
	}
	return se
}

// Int adds an integer field.
func (se *SafeEvent) Int(key string, val int) *SafeEvent {
	se.event = se.event.Int(key, val)
	return se
}

// Float64 adds a float64 field.
func (se *SafeEvent) Float64(key string, val float64) *SafeEvent {
	se.event = se.event.Float64(key, val)
	return se
}

// Bool adds a boolean field.
func (se *SafeEvent) Bool(key string, val bool) *SafeEvent {
	se.event = se.event.Bool(key, val)
	return se
}

// Err adds an error field, masking sensitive data in the error message.
func (se *SafeEvent) Err(err error) *SafeEvent {
	if err != nil {
		se.event = se.event.Err(fmt.Errorf("%s", Redact(err.Error())))
	}
	return se
}

// Msg sends the event with a message.
func (se *SafeEvent) Msg(msg string) {
	se.event.Msg(Redact(msg))
}

// Msgf sends the event with a formatted message.
func (se *SafeEvent) Msgf(format string, args ...interface{}) {
	se.event.Msg(Redact(fmt.Sprintf(format, args...)))
}

func isSensitiveField(field string) bool {
	return sensitiveFields[strings.ToLower(field)]
}

// Redact masks every secret-looking token in input.
func Redact(input string) string {
	result := input
	for _, pattern := range apiKeyPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			sub := pattern.FindStringSubmatch(match)
			if len(sub) == 3 {
				return strings.Replace(match, sub[2], MaskCredential(sub[2]), 1)
			}
			return MaskCredential(match)
		})
	}
	return result
}

// RedactHeaders returns a copy of HTTP-style headers with credential values masked.
func RedactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if isSensitiveField(k) || strings.Contains(strings.ToLower(k), "key") ||
			strings.EqualFold(k, "authorization") {
			out[k] = MaskCredential(v)
			continue
		}
		out[k] = v
	}
	return out
}
