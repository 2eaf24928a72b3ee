package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

const reasoningCloseTag = "</think>"

// StripReasoning drops a model's reasoning preamble, which ends at the last
// closing think tag.
func StripReasoning(raw string) string {
	if i := strings.LastIndex(raw, reasoningCloseTag); i >= 0 {
		return raw[i+len(reasoningCloseTag):]
	}
	return raw
}

// ExtractObject returns the first balanced JSON object in text that decodes
// cleanly. Braces inside string literals are ignored.
func ExtractObject(text string) (string, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > start {
			candidate := text[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}

	// Greedy span from the first '{' to the last '}' as a last resort.
	first := strings.IndexByte(text, '{')
	last := strings.LastIndexByte(text, '}')
	if first >= 0 && last > first && json.Valid([]byte(text[first:last+1])) {
		return text[first : last+1], true
	}
	return "", false
}

func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ParseStructured decodes the first structured object found in a raw model
// reply into T.
func ParseStructured[T any](raw string) (T, error) {
	var out T
	body, ok := ExtractObject(StripReasoning(raw))
	if !ok {
		return out, ErrNoStructuredOutput
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, fmt.Errorf("decode structured output: %w", err)
	}
	return out, nil
}
