// Package shared holds small cross-cutting helpers used by every other
// package: context-carried trace ids and secret redaction for logs/audit.
package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing substrings that might leak
// into engine stderr, run event payloads, or log attributes.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer|bot[_-]?token)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`), // telegram bot token shape
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),      // anthropic API key shape
}

// Redact replaces secret-bearing substrings in s with a fixed placeholder.
func Redact(s string) string {
	if s == "" {
		return s
	}
	result := s
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 && submatch[1] != "" {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue returns placeholder if key looks secret, else value unchanged.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, tok := range []string{"token", "secret", "key", "pass", "credential"} {
		if strings.Contains(lower, tok) {
			return redactedPlaceholder
		}
	}
	return value
}
