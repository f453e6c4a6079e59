package triage

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when the model output contains no JSON object.
var ErrNoJSON = errors.New("no JSON object found in model output")

// ExtractJSON pulls the most complete JSON object out of model output that may wrap it
// in markdown code fences or surrounding prose.
func ExtractJSON(content string) (string, error) {
	content = strings.TrimSpace(content)

	if start := strings.Index(content, "```"); start >= 0 {
		body := content[start+3:]
		if nl := strings.Index(body, "\n"); nl >= 0 {
			lang := strings.TrimSpace(body[:nl])
			if lang == "" || lang == "json" {
				body = body[nl+1:]
			}
		}
		if end := strings.Index(body, "```"); end >= 0 {
			if inner := strings.TrimSpace(body[:end]); strings.Contains(inner, "{") {
				content = inner
			}
		}
	}

	best := ""
	for pos := 0; pos < len(content); {
		start := strings.IndexByte(content[pos:], '{')
		if start < 0 {
			break
		}
		start += pos

		end := closingBrace(content, start)
		if end < 0 {
			pos = start + 1
			continue
		}
		candidate := content[start : end+1]
		if json.Valid([]byte(candidate)) && len(candidate) > len(best) {
			best = candidate
		}
		pos = end + 1
	}

	if best == "" {
		return "", ErrNoJSON
	}
	return best, nil
}

// closingBrace returns the index of the brace matching content[start], ignoring braces
// inside JSON strings, or -1.
func closingBrace(content string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		c := content[i]
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
