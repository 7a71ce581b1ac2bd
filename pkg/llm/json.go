package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// thinkTagPattern strips reasoning blocks some models prepend to replies.
var thinkTagPattern = regexp.MustCompile(`(?s)^\s*<think>.*?</think>\s*`)

// ExtractJSON returns the first valid JSON object or array in a reply that
// may be wrapped in prose, markdown fences or reasoning tags.
func ExtractJSON(response string) (string, error) {
	cleaned := thinkTagPattern.ReplaceAllString(response, "")

	trimmed := strings.TrimSpace(cleaned)
	if json.Valid([]byte(trimmed)) && trimmed != "" {
		return trimmed, nil
	}

	for i := 0; i < len(cleaned); i++ {
		c := cleaned[i]
		if c != '{' && c != '[' {
			continue
		}
		if candidate, ok := balanced(cleaned[i:]); ok && json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no valid JSON found in response")
}

// balanced returns the prefix of s that closes its opening bracket.
func balanced(s string) (string, bool) {
	open := s[0]
	closing := byte('}')
	if open == '[' {
		closing = ']'
	}

	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == closing:
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// ParseJSONResponse extracts JSON from a reply and unmarshals it into T.
func ParseJSONResponse[T any](response string) (T, error) {
	var result T

	jsonStr, err := ExtractJSON(response)
	if err != nil {
		return result, err
	}
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return result, fmt.Errorf("unmarshal JSON: %w", err)
	}
	return result, nil
}
