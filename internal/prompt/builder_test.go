package prompt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crabstack.local/projects/conversatrait/internal/conversation"
)

type unreachableCatalog struct{}

func (unreachableCatalog) Template(context.Context, string, string) (Template, error) {
	return Template{}, errors.Join(ErrTemplateUnavailable, errors.New("catalog offline"))
}

func (unreachableCatalog) Types() []string { return nil }

func testCatalog(tmpl string) *StaticCatalog {
	return NewStaticCatalog(map[string]Entry{"test": {Template: tmpl}})
}

func TestBuildMajoritySpeakerTieGoesToFirst(t *testing.T) {
	turns := conversation.Normalize("Alice: I love hiking\nBob: me too")
	b := NewBuilder(testCatalog("Target={speaker}\n{messages}"))

	got, err := b.Build(context.Background(), Request{AnalysisType: "test", Turns: turns})
	require.NoError(t, err)

	assert.Equal(t, "Alice", got.TargetSpeaker)
	assert.Equal(t, "Target=Alice\nAlice: I love hiking\nBob: me too", got.User)
	assert.Equal(t, SystemPrompt, got.System)
	assert.Equal(t, 2, got.TurnCount)
	assert.Equal(t, "test", got.AnalysisType)
}

func TestBuildMajoritySpeaker(t *testing.T) {
	turns := conversation.Normalize("Alice: hi\nBob: hey\nBob: how are you\nAlice: fine")
	turns = append(turns, conversation.Turn{Speaker: "Bob", Content: "great"})

	assert.Equal(t, "Bob", TargetSpeaker(turns, ""))
	assert.Equal(t, FallbackSpeaker, TargetSpeaker(nil, ""))
	assert.Equal(t, "alice", TargetSpeaker(turns, " alice "))
}

func TestBuildSpeakerFilterCaseInsensitive(t *testing.T) {
	turns := conversation.Normalize("Alice: one\nBob: two\nALICE: three")
	b := NewBuilder(testCatalog("{speaker}|{messages}"))

	got, err := b.Build(context.Background(), Request{AnalysisType: "test", SpeakerFilter: "alice", Turns: turns})
	require.NoError(t, err)

	assert.Equal(t, "alice|Alice: one\nALICE: three", got.User)
	assert.Equal(t, 2, got.TurnCount)
}

func TestBuildUnknownSpeaker(t *testing.T) {
	turns := conversation.Normalize("Alice: one")
	b := NewBuilder(testCatalog("{speaker}{messages}"))

	_, err := b.Build(context.Background(), Request{AnalysisType: "test", SpeakerFilter: "Zed", Turns: turns})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMatchingSpeaker)
	assert.Equal(t, "No conversations found for speaker 'Zed'", err.Error())
}

func TestBuildTemplateUnavailable(t *testing.T) {
	turns := conversation.Normalize("Alice: one")

	_, err := NewBuilder(unreachableCatalog{}).Build(context.Background(), Request{Turns: turns})
	assert.ErrorIs(t, err, ErrTemplateUnavailable)

	_, err = NewBuilder(BuiltinCatalog()).Build(context.Background(), Request{AnalysisType: "tarot", Turns: turns})
	assert.ErrorIs(t, err, ErrTemplateUnavailable)

	_, err = NewBuilder(nil).Build(context.Background(), Request{Turns: turns})
	assert.ErrorIs(t, err, ErrTemplateUnavailable)
}

func TestBuildPromptFormatErrors(t *testing.T) {
	turns := conversation.Normalize("Alice: one")
	cases := map[string]string{
		"missing messages":    "Analyze {speaker}",
		"missing speaker":     "Messages: {messages}",
		"unknown placeholder": "{speaker} {messages} {mood}",
	}
	for name, tmpl := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewBuilder(testCatalog(tmpl)).Build(context.Background(), Request{AnalysisType: "test", Turns: turns})
			assert.ErrorIs(t, err, ErrPromptFormat)
		})
	}
}

func TestBuildDoesNotRescanSubstitutedValues(t *testing.T) {
	turns := []conversation.Turn{{Speaker: "Eve", Content: "literally {speaker} and {mood}"}}
	b := NewBuilder(testCatalog(`{"json": true} {speaker}: {messages}`))

	got, err := b.Build(context.Background(), Request{AnalysisType: "test", Turns: turns})
	require.NoError(t, err)
	assert.Equal(t, `{"json": true} Eve: Eve: literally {speaker} and {mood}`, got.User)
}

func TestBuildRelationshipContext(t *testing.T) {
	turns := conversation.Normalize("Alice: one")
	catalog := NewStaticCatalog(map[string]Entry{
		"test": {Template: "{speaker}:{messages}", RelationshipSuffix: " [{relationship}]"},
	})

	got, err := NewBuilder(catalog).Build(context.Background(), Request{
		AnalysisType:        "test",
		RelationshipContext: " coworkers {speaker} ",
		Turns:               turns,
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice:Alice: one [coworkers {speaker}]", got.User)
}

func TestBuiltinCatalogRendersEveryType(t *testing.T) {
	catalog := BuiltinCatalog()
	turns := conversation.Normalize("Alice: I love hiking\nBob: me too")
	b := NewBuilder(catalog)

	require.Contains(t, catalog.Types(), DefaultAnalysisType)
	for _, analysisType := range catalog.Types() {
		for _, relationship := range []string{"", "siblings"} {
			got, err := b.Build(context.Background(), Request{
				AnalysisType:        analysisType,
				RelationshipContext: relationship,
				Turns:               turns,
			})
			require.NoError(t, err, "type %s", analysisType)
			assert.Contains(t, got.User, "Alice: I love hiking")
			if relationship != "" {
				assert.Contains(t, got.User, relationship)
			}
		}
	}
}

func TestBuildDefaultsToComprehensive(t *testing.T) {
	turns := conversation.Normalize("Alice: one")

	got, err := NewBuilder(BuiltinCatalog()).Build(context.Background(), Request{Turns: turns})
	require.NoError(t, err)
	assert.Equal(t, DefaultAnalysisType, got.AnalysisType)
	assert.NotEmpty(t, got.Schema)
}
