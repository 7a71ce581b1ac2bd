package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildFieldClassificationPrompt(t *testing.T) {
	prompt := BuildFieldClassificationPrompt("product",
		SourceFieldContext{
			Name:          "retail $",
			PrimitiveType: "string",
			SemanticType:  "currency",
			NullRate:      0.05,
			UniqueRate:    0.8,
			Samples:       []string{"$12.50", "$3.99"},
		},
		[]TargetFieldContext{
			{Name: "sku", Type: "string", SemanticType: "sku", Required: true},
			{Name: "price", Type: "number", SemanticType: "currency"},
		})

	assert.Contains(t, prompt, `- **Name**: "retail $"`)
	assert.Contains(t, prompt, "- **Type**: string (currency)")
	assert.Contains(t, prompt, "- **Null rate**: 5.0%")
	assert.Contains(t, prompt, "- **Unique rate**: 80.0%")
	assert.Contains(t, prompt, `- **Samples**: "$12.50", "$3.99"`)
	assert.Contains(t, prompt, "## Target Fields (product)")
	assert.Contains(t, prompt, "- sku (string, sku, required)")
	assert.Contains(t, prompt, "- price (number, currency)")
	assert.Contains(t, prompt, `"target_field"`)
}

func TestBuildFieldClassificationPrompt_NoSamples(t *testing.T) {
	prompt := BuildFieldClassificationPrompt("inventory",
		SourceFieldContext{Name: "qty", PrimitiveType: "integer", SemanticType: "none"},
		[]TargetFieldContext{{Name: "quantity", Type: "integer"}})

	assert.NotContains(t, prompt, "Samples")
	assert.Contains(t, prompt, "- quantity (integer)\n")
}

func TestBuildFieldClassificationSystemMessage(t *testing.T) {
	msg := BuildFieldClassificationSystemMessage()
	assert.True(t, strings.Contains(msg, "target schema"))
}
