// Package security provides credential masking, log redaction, and sealed credential storage.
package security

import (
	"regexp"
	"strings"
)

// Detection patterns for secrets embedded in free text.
var apiKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|api[_-]?secret|secret[_-]?key|access[_-]?token|auth[_-]?token|x-security-token|cst|bearer)[=:\s]+["']?([A-Za-z0-9_\-\.]{16,})["']?`),
	regexp.MustCompile(`(sk-[A-Za-z0-9_\-]{20,})`),     // OpenAI / Anthropic / DeepSeek keys
	regexp.MustCompile(`(PK[A-Z0-9]{16,})`),            // Alpaca key ids
	regexp.MustCompile(`(ey[A-Za-z0-9_\-]{30,}\.[A-Za-z0-9_\-\.]+)`), // JWT-shaped tokens
}

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9._/&-]{1,32}$`)

// MaskCredential hides all but the last 4 characters of a secret.
// Values of 4 characters or fewer are masked completely.
func MaskCredential(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}

// ContainsSensitiveData checks if a string contains sensitive data patterns.
func ContainsSensitiveData(input string) bool {
	for _, pattern := range apiKeyPatterns {
		if pattern.MatchString(input) {
			return true
		}
	}
	return false
}

// ValidSymbol reports whether s looks like a tradeable symbol in any broker's notation.
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(s)
}
