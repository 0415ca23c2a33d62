package analyzer

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedObjectPattern = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// ExtractJSON locates the JSON object candidate inside model output. A
// ```json fenced block wins; otherwise the first brace-delimited object is
// taken, running to the end of text when it never closes.
func ExtractJSON(text string) (string, bool) {
	if match := fencedObjectPattern.FindStringSubmatch(text); match != nil {
		return match[1], true
	}
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	return text[start : start+objectEnd(text[start:])], true
}

// objectEnd returns the length of the object opening s, or len(s) when the
// object is unbalanced.
func objectEnd(s string) int {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(s)
}

// RepairJSON closes a truncated JSON document. Well-formed input is returned
// unchanged. Text after the last closer outside a string literal is dropped
// before the open scopes are closed, so a half-written value is never
// recovered. Text without any such closer is closed as is.
func RepairJSON(s string) (string, bool) {
	if json.Valid([]byte(s)) {
		return s, true
	}
	if cut := lastCloser(s); cut >= 0 {
		s = s[:cut+1]
	}
	repaired := closeOpenScopes(s)
	if !json.Valid([]byte(repaired)) {
		return "", false
	}
	return repaired, true
}

// lastCloser returns the index of the last '}' or ']' outside a string
// literal, or -1.
func lastCloser(s string) int {
	last := -1
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '}', ']':
			last = i
		}
	}
	return last
}

// closeOpenScopes appends the closers for every unmatched opener, innermost
// first, dropping a dangling comma before each. An unterminated string is
// terminated.
func closeOpenScopes(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == ch {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.Grow(len(s) + len(stack) + 2)
	if inString {
		if escaped {
			s = s[:len(s)-1]
		}
		b.WriteString(s)
		b.WriteByte('"')
	} else {
		b.WriteString(strings.TrimRight(s, " \t\r\n,"))
	}
	for i := len(stack) - 1; i >= 0; i-- {
		trimmed := strings.TrimRight(b.String(), " \t\r\n,")
		b.Reset()
		b.WriteString(trimmed)
		b.WriteByte(stack[i])
	}
	return b.String()
}

// ParseObject extracts, and if needed repairs, the JSON object in text.
// repaired reports whether the strict parse failed and repair succeeded.
func ParseObject(text string) (object map[string]any, repaired bool, ok bool) {
	candidate, found := ExtractJSON(text)
	if !found {
		return nil, false, false
	}
	if err := json.Unmarshal([]byte(candidate), &object); err == nil && object != nil {
		return object, false, true
	}

	fixed, ok := RepairJSON(candidate)
	if !ok {
		return nil, false, false
	}
	object = nil
	if err := json.Unmarshal([]byte(fixed), &object); err != nil || object == nil {
		return nil, false, false
	}
	return object, true, true
}
