// Package mapping resolves source fields onto a target schema by running
// independent strategies and merging their candidates.
package mapping

import (
	"context"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/ekaya-inc/ekaya-import/pkg/llm"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/naming"
)

// Candidate is one proposed source -> target mapping.
type Candidate struct {
	Source     string
	Target     string
	Confidence float64 // 0 - 100
	Strategy   models.MappingStrategy
	Rationale  string
}

// Input is what every strategy sees for one resolution pass.
type Input struct {
	EntityType string
	Fields     []models.SourceField
	Schema     *models.TargetSchema
	Budget     *llm.Budget

	external externalStats
}

type externalStats struct {
	calls    atomic.Int32
	failures atomic.Int32
}

// Strategy produces candidates independently of every other strategy.
// The set of implementations is closed: exact, fuzzy, statistical,
// historical and external.
type Strategy interface {
	Kind() models.MappingStrategy
	Candidates(ctx context.Context, in *Input) ([]Candidate, error)
	sealed()
}

// names holds the comparable forms of one field name.
type names struct {
	raw      string
	compact  string
	pattern  string
	expanded string // compact form with abbreviations expanded
	stripped string // expanded compact form without entity qualifiers
	tokens   []string
	words    []string // tokens, expansions and joined forms
}

func namesOf(name string, tokens []string) names {
	if tokens == nil {
		tokens = naming.Tokenize(name)
	}
	expanded := naming.Expand(tokens)
	// expansions may contain underscores ("part_number")
	expandedTokens := naming.Tokenize(strings.Join(expanded, "_"))
	stripped := naming.StripQualifiers(expandedTokens)

	words := append([]string{}, tokens...)
	for _, w := range expandedTokens {
		if !slices.Contains(words, w) {
			words = append(words, w)
		}
	}
	// multi-word keywords such as "unit_price" match the joined forms
	for _, joined := range []string{strings.Join(tokens, "_"), strings.Join(expandedTokens, "_")} {
		if len(tokens) > 1 && !slices.Contains(words, joined) {
			words = append(words, joined)
		}
	}

	return names{
		raw:      name,
		compact:  strings.Join(tokens, ""),
		pattern:  naming.PatternFromTokens(tokens),
		expanded: strings.Join(expandedTokens, ""),
		stripped: strings.Join(stripped, ""),
		tokens:   tokens,
		words:    words,
	}
}

func sourceNames(f *models.SourceField) names {
	return namesOf(f.Name, f.Tokens)
}
