// Package logging prepares statements, URLs and errors for structured log fields.
package logging

import (
	"regexp"
	"strings"
)

const (
	// MaxStatementLogLength is the maximum length of a ksqlDB statement in a log field.
	MaxStatementLogLength = 160
	// RedactedText replaces credentials.
	RedactedText = "[REDACTED]"
)

var (
	// password=xxx, pwd=xxx, pass=xxx up to the next delimiter
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s']+`)

	// user:pass@ in URLs
	userInfoPattern = regexp.MustCompile(`://[^:/@\s]+:[^@/\s]+@`)

	// JAAS credentials embedded in connector or topic properties
	jaasPattern = regexp.MustCompile(`(?i)(password|basic\.auth\.user\.info)\s*=\s*"[^"]*"`)

	whitespace = regexp.MustCompile(`\s+`)
)

// SanitizeURL removes credentials from a URL or connection string.
func SanitizeURL(raw string) string {
	if raw == "" {
		return ""
	}
	sanitized := userInfoPattern.ReplaceAllString(raw, "://"+RedactedText+"@")
	return passwordPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
}

// SanitizeError returns the error text with credentials removed.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	sanitized := SanitizeURL(err.Error())
	return jaasPattern.ReplaceAllString(sanitized, `${1}="`+RedactedText+`"`)
}

// SanitizeStatement collapses whitespace, redacts credentials and truncates a
// statement to MaxStatementLogLength.
func SanitizeStatement(stmt string) string {
	if stmt == "" {
		return ""
	}
	sanitized := strings.TrimSpace(whitespace.ReplaceAllString(stmt, " "))
	sanitized = jaasPattern.ReplaceAllString(sanitized, `${1}="`+RedactedText+`"`)
	sanitized = passwordPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	return TruncateString(sanitized, MaxStatementLogLength)
}

// TruncateString truncates s to maxLen and adds an ellipsis if needed.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
