package prompts

import (
	"fmt"
	"strings"
)

// SourceFieldContext describes one uploaded column for the classifier.
type SourceFieldContext struct {
	Name          string
	PrimitiveType string
	SemanticType  string
	NullRate      float64
	UniqueRate    float64
	Samples       []string
}

// TargetFieldContext describes one field of the target schema.
type TargetFieldContext struct {
	Name         string
	Type         string
	SemanticType string
	Required     bool
}

// BuildFieldClassificationPrompt builds the user prompt asking which target
// field a source column belongs to.
func BuildFieldClassificationPrompt(entityType string, field SourceFieldContext, targets []TargetFieldContext) string {
	var prompt strings.Builder

	prompt.WriteString("# Column Classification\n\n")
	prompt.WriteString("## Source Column\n\n")
	prompt.WriteString(fmt.Sprintf("- **Name**: %q\n", field.Name))
	prompt.WriteString(fmt.Sprintf("- **Type**: %s (%s)\n", field.PrimitiveType, field.SemanticType))
	prompt.WriteString(fmt.Sprintf("- **Null rate**: %.1f%%\n", field.NullRate*100))
	prompt.WriteString(fmt.Sprintf("- **Unique rate**: %.1f%%\n", field.UniqueRate*100))
	if len(field.Samples) > 0 {
		quoted := make([]string, len(field.Samples))
		for i, s := range field.Samples {
			quoted[i] = fmt.Sprintf("%q", s)
		}
		prompt.WriteString(fmt.Sprintf("- **Samples**: %s\n", strings.Join(quoted, ", ")))
	}

	prompt.WriteString(fmt.Sprintf("\n## Target Fields (%s)\n\n", entityType))
	for _, t := range targets {
		flags := t.Type
		if t.SemanticType != "" {
			flags += ", " + t.SemanticType
		}
		if t.Required {
			flags += ", required"
		}
		prompt.WriteString(fmt.Sprintf("- %s (%s)\n", t.Name, flags))
	}

	prompt.WriteString("\n## Response Format\n\n")
	prompt.WriteString(`Respond with a single JSON object: {"target_field": "<one of the listed fields or empty>", "confidence": <0-100>, "rationale": "<short reason>"}`)
	prompt.WriteString("\n")
	return prompt.String()
}

// BuildFieldClassificationSystemMessage returns the system message for the classifier.
func BuildFieldClassificationSystemMessage() string {
	return `You map columns of an uploaded product catalog file to the fields of a fixed target schema. Use an empty target_field when no listed field fits.`
}
