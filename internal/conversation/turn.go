package conversation

import (
	"sort"
	"strings"
	"time"
)

type Source string

const (
	SourceWebInput   Source = "web_input"
	SourceStructured Source = "structured"
	SourceFile       Source = "file"
)

// Turn is one utterance in a conversation. Turns are values; callers never
// share mutable references to them.
type Turn struct {
	Speaker   string     `json:"speaker"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Source    Source     `json:"source"`
}

// Speakers returns the distinct speaker labels in lexical order.
func Speakers(turns []Turn) []string {
	seen := make(map[string]struct{}, len(turns))
	out := make([]string, 0, len(turns))
	for _, turn := range turns {
		if _, ok := seen[turn.Speaker]; ok {
			continue
		}
		seen[turn.Speaker] = struct{}{}
		out = append(out, turn.Speaker)
	}
	sort.Strings(out)
	return out
}

// JoinContent concatenates turn contents with single spaces.
func JoinContent(turns []Turn) string {
	parts := make([]string, 0, len(turns))
	for _, turn := range turns {
		parts = append(parts, turn.Content)
	}
	return strings.Join(parts, " ")
}

// Clone returns a copy of turns that shares no timestamps with the input.
func Clone(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	for i, turn := range turns {
		out[i] = turn
		if turn.Timestamp != nil {
			ts := *turn.Timestamp
			out[i].Timestamp = &ts
		}
	}
	return out
}
