package validation

import (
	libinjection "github.com/corazawaf/libinjection-go"
)

// InjectionCheckResult describes a cell value that looks like a SQL injection payload.
type InjectionCheckResult struct {
	Field       string
	Fingerprint string // libinjection fingerprint of the detected pattern
}

// CheckValueForInjection runs libinjection over a cell value.
// Returns nil when the value is clean.
//
//	CheckValueForInjection("name", "Blue Mug")               // nil
//	CheckValueForInjection("name", "'; DROP TABLE items--")  // Fingerprint "s;T(c" or similar
func CheckValueForInjection(field, value string) *InjectionCheckResult {
	if value == "" {
		return nil
	}
	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{Field: field, Fingerprint: string(fingerprint)}
}
