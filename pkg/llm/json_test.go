package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain object", input: `{"target_field": "price"}`, want: `{"target_field": "price"}`},
		{name: "plain array", input: `[1, 2]`, want: `[1, 2]`},
		{name: "markdown fence", input: "```json\n{\"a\": 1}\n```", want: `{"a": 1}`},
		{name: "prose around", input: `Sure! {"a": {"b": "}"}} hope that helps`, want: `{"a": {"b": "}"}}`},
		{name: "think tags", input: "<think>{not json}</think>\n{\"a\": 2}", want: `{"a": 2}`},
		{name: "escaped quote", input: `x {"a": "say \"hi\""} y`, want: `{"a": "say \"hi\""}`},
		{name: "skips invalid candidate", input: `{oops} then {"ok": true}`, want: `{"ok": true}`},
		{name: "no json", input: "no json here", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseJSONResponse(t *testing.T) {
	type suggestion struct {
		TargetField string  `json:"target_field"`
		Confidence  float64 `json:"confidence"`
	}

	got, err := ParseJSONResponse[suggestion]("Answer:\n{\"target_field\": \"price\", \"confidence\": 82}")
	require.NoError(t, err)
	assert.Equal(t, "price", got.TargetField)
	assert.Equal(t, 82.0, got.Confidence)

	_, err = ParseJSONResponse[suggestion](`{"target_field": 5}`)
	assert.Error(t, err)
}
