package logging

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxCellLogLength is the maximum number of runes of a cell value written to logs.
	MaxCellLogLength = 64
	// RedactedText is the replacement text for sensitive data.
	RedactedText = "[REDACTED]"
)

var (
	// password=xxx, pwd=xxx, pass=xxx up to the next delimiter (postgres, mssql and sqlite DSNs)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// user:pass@host in URL-style DSNs (postgres://, mongodb://, sqlserver://)
	credentialsPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s?]+`)

	// sk-... style provider keys and x-api-key headers echoed back in classifier errors
	apiKeyPattern = regexp.MustCompile(`(?i)(sk-[A-Za-z0-9_-]{16,}|(api[_-]?key|x-api-key)[=:]\s*[A-Za-z0-9_-]{16,})`)
)

// SanitizeConnectionString removes credentials from a sink or database DSN.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	sanitized = credentialsPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
	return sanitized
}

// SanitizeError renders err without credentials or provider keys.
// Sink drivers and classifier SDKs both include these in their error strings.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	sanitized := SanitizeConnectionString(err.Error())
	return apiKeyPattern.ReplaceAllString(sanitized, RedactedText)
}

// CellValue prepares an uploaded cell value for logging: control characters are
// replaced and long values are truncated on a rune boundary.
func CellValue(v string) string {
	v = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, v)
	return TruncateString(v, MaxCellLogLength)
}

// TruncateString truncates s to maxLen runes and adds an ellipsis if needed.
func TruncateString(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + "..."
}
