package prompt

import (
	"context"
	"fmt"
	"strings"

	"crabstack.local/projects/conversatrait/internal/conversation"
)

const (
	SystemPrompt = "You are an expert psychological analyst. Your response MUST be a valid JSON object that strictly adheres to the format requested in the user prompt. Do not include any explanatory text, markdown formatting, or anything else outside of the JSON structure."

	// FallbackSpeaker names the target when there are no turns to count.
	FallbackSpeaker = "the user"
)

type Request struct {
	AnalysisType        string
	RelationshipContext string
	SpeakerFilter       string
	Turns               []conversation.Turn
}

type Prompt struct {
	AnalysisType  string
	System        string
	User          string
	TargetSpeaker string
	TurnCount     int
	Schema        []byte
}

type Builder struct {
	catalog Catalog
}

func NewBuilder(catalog Catalog) *Builder {
	return &Builder{catalog: catalog}
}

func (b *Builder) Build(ctx context.Context, req Request) (Prompt, error) {
	turns, err := FilterTurns(req.Turns, req.SpeakerFilter)
	if err != nil {
		return Prompt{}, err
	}
	speaker := TargetSpeaker(turns, req.SpeakerFilter)

	if b == nil || b.catalog == nil {
		return Prompt{}, fmt.Errorf("%w: no catalog configured", ErrTemplateUnavailable)
	}
	tmpl, err := b.catalog.Template(ctx, req.AnalysisType, req.RelationshipContext)
	if err != nil {
		return Prompt{}, fmt.Errorf("load template: %w", err)
	}

	user, err := render(tmpl.Text, map[string]string{
		placeholderSpeaker:      speaker,
		placeholderMessages:     Transcript(turns),
		placeholderRelationship: strings.TrimSpace(req.RelationshipContext),
	})
	if err != nil {
		return Prompt{}, fmt.Errorf("render %s template: %w", tmpl.AnalysisType, err)
	}

	return Prompt{
		AnalysisType:  tmpl.AnalysisType,
		System:        SystemPrompt,
		User:          user,
		TargetSpeaker: speaker,
		TurnCount:     len(turns),
		Schema:        tmpl.Schema,
	}, nil
}

// FilterTurns keeps the turns whose speaker equals filter, ignoring case and
// surrounding whitespace. A blank filter keeps every turn.
func FilterTurns(turns []conversation.Turn, filter string) ([]conversation.Turn, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return turns, nil
	}
	out := make([]conversation.Turn, 0, len(turns))
	for _, turn := range turns {
		if strings.EqualFold(strings.TrimSpace(turn.Speaker), filter) {
			out = append(out, turn)
		}
	}
	if len(out) == 0 {
		return nil, &SpeakerError{Speaker: filter}
	}
	return out, nil
}

// TargetSpeaker is the explicit filter when set, else the speaker with the
// most turns. Ties go to the speaker seen first.
func TargetSpeaker(turns []conversation.Turn, filter string) string {
	if filter = strings.TrimSpace(filter); filter != "" {
		return filter
	}

	counts := make(map[string]int, len(turns))
	order := make([]string, 0, len(turns))
	for _, turn := range turns {
		if _, ok := counts[turn.Speaker]; !ok {
			order = append(order, turn.Speaker)
		}
		counts[turn.Speaker]++
	}

	best, bestCount := FallbackSpeaker, 0
	for _, speaker := range order {
		if counts[speaker] > bestCount {
			best, bestCount = speaker, counts[speaker]
		}
	}
	return best
}

// Transcript renders turns as "speaker: content" lines.
func Transcript(turns []conversation.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		lines = append(lines, turn.Speaker+": "+turn.Content)
	}
	return strings.Join(lines, "\n")
}
