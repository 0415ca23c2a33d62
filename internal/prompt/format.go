package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	placeholderSpeaker      = "speaker"
	placeholderMessages     = "messages"
	placeholderRelationship = "relationship"
)

var (
	requiredPlaceholders = []string{placeholderSpeaker, placeholderMessages}
	placeholderPattern   = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

// render substitutes {name} fields in a single pass, so substituted values
// are never re-scanned. Braces that do not wrap an identifier are literal.
func render(tmpl string, values map[string]string) (string, error) {
	seen := make(map[string]bool, len(values))
	var unknown string

	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(field string) string {
		name := field[1 : len(field)-1]
		value, ok := values[name]
		if !ok {
			if unknown == "" {
				unknown = name
			}
			return field
		}
		seen[name] = true
		return value
	})
	if unknown != "" {
		return "", fmt.Errorf("%w: unknown placeholder {%s}", ErrPromptFormat, unknown)
	}

	var missing []string
	for _, name := range requiredPlaceholders {
		if !seen[name] {
			missing = append(missing, "{"+name+"}")
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: template is missing %s", ErrPromptFormat, strings.Join(missing, ", "))
	}
	return out, nil
}
