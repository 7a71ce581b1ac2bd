// Package naming normalizes column and field names so that differently
// spelled headers ("Prod-Name", "productName", "PRODUCT_NAMES") compare equal.
package naming

import (
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold removes diacritics so "Précio" and "Precio" tokenize identically.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return folded
}

// Tokenize splits a header into lower-case word tokens.
// Separators, punctuation and camelCase boundaries all start a new token.
//
//	"prodName"      -> [prod name]
//	"Unit Price ($)" -> [unit price]
//	"SKU_ID"        -> [sku id]
func Tokenize(s string) []string {
	rs := []rune(Fold(strings.TrimSpace(s)))
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, strings.ToLower(current.String()))
			current.Reset()
		}
	}

	for i, r := range rs {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if i > 0 && startsToken(rs, i) {
			flush()
		}
		current.WriteRune(r)
	}
	flush()
	return tokens
}

func startsToken(rs []rune, i int) bool {
	r, prev := rs[i], rs[i-1]
	if unicode.IsUpper(r) && unicode.IsLower(prev) {
		return true
	}
	// End of an acronym: "SKUCode" -> SKU + Code
	if unicode.IsUpper(r) && unicode.IsUpper(prev) && i+1 < len(rs) && unicode.IsLower(rs[i+1]) {
		return true
	}
	if unicode.IsDigit(r) != unicode.IsDigit(prev) && (unicode.IsLetter(prev) || unicode.IsLetter(r)) {
		return true
	}
	return false
}

// Compact joins tokens without separators, the form used for edit distance.
func Compact(s string) string {
	return strings.Join(Tokenize(s), "")
}

// Pattern is the normalized cache key for a header: tokens singularized and
// joined with "_". "Product Names" and "product_name" share a pattern.
func Pattern(s string) string {
	return PatternFromTokens(Tokenize(s))
}

// PatternFromTokens builds a pattern from already tokenized input.
func PatternFromTokens(tokens []string) string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, inflection.Singular(tok))
	}
	return strings.Join(out, "_")
}

// abbreviations maps common catalog header abbreviations to full words.
var abbreviations = map[string]string{
	"qty":   "quantity",
	"qnty":  "quantity",
	"amt":   "amount",
	"desc":  "description",
	"descr": "description",
	"prod":  "product",
	"prd":   "product",
	"pn":    "part_number",
	"no":    "number",
	"num":   "number",
	"nbr":   "number",
	"cat":   "category",
	"categ": "category",
	"dept":  "department",
	"mfr":   "manufacturer",
	"mfg":   "manufacturer",
	"wt":    "weight",
	"wgt":   "weight",
	"pct":   "percent",
	"disc":  "discount",
	"curr":  "currency",
	"ccy":   "currency",
	"addr":  "address",
	"img":   "image",
	"loc":   "location",
	"whse":  "warehouse",
	"wh":    "warehouse",
	"inv":   "inventory",
	"avail": "available",
	"msrp":  "price",
	"upc":   "code",
	"ean":   "code",
	"dt":    "date",
	"eff":   "effective",
	"exp":   "expires",
	"min":   "minimum",
	"max":   "maximum",
	"id":    "identifier",
}

// Expansions returns the abbreviation expansions found in tokens.
func Expansions(tokens []string) map[string]string {
	var out map[string]string
	for _, tok := range tokens {
		if exp, ok := abbreviations[tok]; ok {
			if out == nil {
				out = make(map[string]string)
			}
			out[tok] = exp
		}
	}
	return out
}

// Expand returns tokens with known abbreviations replaced.
func Expand(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		if exp, ok := abbreviations[tok]; ok {
			out[i] = exp
			continue
		}
		out[i] = tok
	}
	return out
}

// qualifiers are entity-name prefixes that rarely change a header's meaning
// ("prod_name" and "item_name" both mean name).
var qualifiers = map[string]bool{
	"prod":    true,
	"product": true,
	"item":    true,
	"article": true,
	"catalog": true,
	"art":     true,
}

// StripQualifiers drops leading entity qualifiers, keeping at least one token.
func StripQualifiers(tokens []string) []string {
	i := 0
	for i < len(tokens)-1 && qualifiers[tokens[i]] {
		i++
	}
	return tokens[i:]
}
