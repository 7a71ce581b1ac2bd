package recovery

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ekaya-inc/ekaya-import/pkg/services/extraction"
	"github.com/ekaya-inc/ekaya-import/pkg/services/validation"
)

// Normalizers return the corrected value and whether a correction was possible.
// All of them trim surrounding whitespace first.

var (
	currencyMarks     = regexp.MustCompile(`(?i)[$€£¥]|\b(USD|EUR|GBP|CAD|AUD|JPY)\b`)
	groupedThousands  = regexp.MustCompile(`^-?\d{1,3}(,\d{3})+$`)
	europeanThousands = regexp.MustCompile(`^-?\d{1,3}(\.\d{3})+$`)
	emailAt           = regexp.MustCompile(`(?i)\s*(\(at\)|\[at\]|\sat\s)\s*`)
	emailDot          = regexp.MustCompile(`(?i)\s*(\(dot\)|\[dot\]|\sdot\s)\s*`)
)

// StripCurrency turns "$1,234.50", "1.234,50 €" or "(12.00)" into a plain decimal.
func StripCurrency(value string) (string, bool) {
	v := strings.TrimSpace(value)
	negative := false
	if strings.HasPrefix(v, "(") && strings.HasSuffix(v, ")") {
		negative = true
		v = strings.TrimSuffix(strings.TrimPrefix(v, "("), ")")
	}
	v = currencyMarks.ReplaceAllString(v, "")
	v = strings.ReplaceAll(v, " ", "")
	v = strings.ReplaceAll(v, "\u00a0", "")
	if v == "" {
		return "", false
	}

	lastDot, lastComma := strings.LastIndex(v, "."), strings.LastIndex(v, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0 && lastComma > lastDot:
		// 1.234,50
		v = strings.ReplaceAll(v, ".", "")
		v = strings.Replace(v, ",", ".", 1)
	case lastDot >= 0 && lastComma >= 0:
		// 1,234.50
		v = strings.ReplaceAll(v, ",", "")
	case lastComma >= 0 && groupedThousands.MatchString(v):
		v = strings.ReplaceAll(v, ",", "")
	case lastComma >= 0 && strings.Count(v, ",") == 1:
		v = strings.Replace(v, ",", ".", 1)
	case lastDot >= 0 && europeanThousands.MatchString(v) && strings.Count(v, ".") > 1:
		v = strings.ReplaceAll(v, ".", "")
	}

	d, err := decimal.NewFromString(v)
	if err != nil {
		return "", false
	}
	if negative {
		d = d.Neg()
	}
	return d.String(), true
}

var hundred = decimal.NewFromInt(100)

// NormalizePercentage turns "15%" into "0.15". A bare number above 1 is read
// as a percentage only when fractional is set (the target stores 0..1).
func NormalizePercentage(value string, fractional bool) (string, bool) {
	v := strings.TrimSpace(value)
	hasSign := strings.HasSuffix(v, "%")
	v = strings.TrimSpace(strings.TrimSuffix(v, "%"))
	v = strings.Replace(v, ",", ".", 1)

	d, err := decimal.NewFromString(v)
	if err != nil {
		return "", false
	}
	if hasSign || (fractional && d.GreaterThan(decimal.NewFromInt(1)) && d.LessThanOrEqual(hundred)) {
		d = d.Div(hundred)
	}
	return d.String(), true
}

// NormalizeEmail lower-cases an address and repairs "name at host dot com" spellings.
func NormalizeEmail(value string) (string, bool) {
	v := strings.TrimSpace(value)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "mailto:"), "MAILTO:")
	v = emailAt.ReplaceAllString(v, "@")
	v = emailDot.ReplaceAllString(v, ".")
	v = strings.ToLower(strings.ReplaceAll(v, " ", ""))
	if !extraction.MatchesPattern(extraction.PatternEmail, v) {
		return "", false
	}
	return v, true
}

// dateLayouts are tried in order; month-first wins for ambiguous slashed dates.
var dateLayouts = []string{
	validation.ISODate,
	"2006-1-2",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02/01/2006",
	"2/1/2006",
	"02.01.2006",
	"2.1.2006",
	"01-02-2006",
	"02-01-2006",
	"01/02/06",
	"Jan 2, 2006",
	"January 2, 2006",
	"Jan 2 2006",
	"2 Jan 2006",
	"2 January 2006",
	"02-Jan-2006",
}

// NormalizeDate rewrites a recognised date as YYYY-MM-DD.
func NormalizeDate(value string) (string, bool) {
	v := strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format(validation.ISODate), true
		}
	}
	return "", false
}

var booleanWords = map[string]string{
	"true": "true", "t": "true", "yes": "true", "y": "true", "1": "true", "on": "true",
	"false": "false", "f": "false", "no": "false", "n": "false", "0": "false", "off": "false",
}

// NormalizeBoolean maps yes/no style values onto true/false.
func NormalizeBoolean(value string) (string, bool) {
	b, ok := booleanWords[strings.ToLower(strings.TrimSpace(value))]
	return b, ok
}

// NormalizeURL adds a missing https scheme.
func NormalizeURL(value string) (string, bool) {
	v := strings.TrimSpace(value)
	if v == "" || strings.ContainsAny(v, " \t") {
		return "", false
	}
	lower := strings.ToLower(v)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		v = "https://" + strings.TrimPrefix(v, "//")
	}
	u, err := url.Parse(v)
	if err != nil || !strings.Contains(u.Host, ".") {
		return "", false
	}
	return u.String(), true
}

// Truncate shortens a value to max runes.
func Truncate(value string, max int) (string, bool) {
	v := strings.TrimSpace(value)
	if max <= 0 {
		return "", false
	}
	rs := []rune(v)
	if len(rs) <= max {
		return v, true
	}
	return string(rs[:max]), true
}
