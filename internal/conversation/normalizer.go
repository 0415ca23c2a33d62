package conversation

import (
	"regexp"
	"strings"
)

const DefaultSpeaker = "User"

var speakerLine = regexp.MustCompile(`^\s*([^:]+):\s*(.*)$`)

type Normalizer struct {
	DefaultSpeaker string
	Source         Source
}

func NewNormalizer() Normalizer {
	return Normalizer{DefaultSpeaker: DefaultSpeaker, Source: SourceWebInput}
}

// Normalize splits raw pasted text into turns. Lines shaped like
// "speaker: content" keep their speaker; other lines are attributed to the
// default speaker. Input that is non-empty after trimming always yields at
// least one turn.
func (n Normalizer) Normalize(raw string) []Turn {
	speaker := strings.TrimSpace(n.DefaultSpeaker)
	if speaker == "" {
		speaker = DefaultSpeaker
	}
	source := n.Source
	if source == "" {
		source = SourceWebInput
	}

	trimmed := strings.TrimSpace(raw)
	turns := make([]Turn, 0)
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		who, content := speaker, line
		if m := speakerLine.FindStringSubmatch(line); m != nil {
			who = strings.TrimSpace(m[1])
			content = strings.TrimSpace(m[2])
		}
		if content == "" {
			continue
		}
		turns = append(turns, Turn{Speaker: who, Content: content, Source: source})
	}

	if len(turns) == 0 && trimmed != "" {
		turns = append(turns, Turn{Speaker: speaker, Content: trimmed, Source: source})
	}
	return turns
}

// Normalize runs the default normalizer.
func Normalize(raw string) []Turn {
	return NewNormalizer().Normalize(raw)
}

// Compact drops turns with blank content and fills blank speakers with the
// default label. It is applied to pre-structured turns supplied by callers.
func Compact(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, turn := range turns {
		turn.Content = strings.TrimSpace(turn.Content)
		if turn.Content == "" {
			continue
		}
		turn.Speaker = strings.TrimSpace(turn.Speaker)
		if turn.Speaker == "" {
			turn.Speaker = DefaultSpeaker
		}
		if turn.Source == "" {
			turn.Source = SourceStructured
		}
		out = append(out, turn)
	}
	return out
}
