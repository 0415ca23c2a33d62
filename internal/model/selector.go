package model

import "strings"

const DefaultModel = "google/gemini-flash-1.5"

// DenyList holds models that answer with moderation verdicts instead of
// analysis content.
var DenyList = []string{
	"meta-llama/llama-guard-3-8b",
	"meta-llama/llama-guard-2-8b",
	"meta-llama/llama-guard",
	"openai/moderation",
	"anthropic/claude-moderation",
}

type Selector struct {
	defaultModel string
	denied       map[string]struct{}
}

func NewSelector(defaultModel string, extraDenied ...string) *Selector {
	defaultModel = strings.TrimSpace(defaultModel)
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	s := &Selector{
		defaultModel: defaultModel,
		denied:       make(map[string]struct{}, len(DenyList)+len(extraDenied)),
	}
	for _, id := range append(append([]string{}, DenyList...), extraDenied...) {
		if key := strings.ToLower(strings.TrimSpace(id)); key != "" {
			s.denied[key] = struct{}{}
		}
	}
	return s
}

func (s *Selector) Default() string {
	return s.defaultModel
}

// Select never fails: blank and deny-listed requests resolve to the default.
func (s *Selector) Select(requested string) string {
	requested = strings.TrimSpace(requested)
	if requested == "" || !s.Allowed(requested) {
		return s.defaultModel
	}
	return requested
}

func (s *Selector) Allowed(id string) bool {
	_, denied := s.denied[strings.ToLower(strings.TrimSpace(id))]
	return !denied
}

// FilterAllowed drops deny-listed entries from a model listing.
func (s *Selector) FilterAllowed(models []ModelInfo) []ModelInfo {
	out := make([]ModelInfo, 0, len(models))
	for _, m := range models {
		if s.Allowed(m.ID) {
			out = append(out, m)
		}
	}
	return out
}
