package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crabstack.local/projects/conversatrait/internal/analyzer"
	"crabstack.local/projects/conversatrait/internal/conversation"
	"crabstack.local/projects/conversatrait/internal/safety"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestSessionAdvanceKeepsProgressMonotonic(t *testing.T) {
	s := New("abc", Request{AnalysisType: "comprehensive"}, t0)
	require.NoError(t, s.Advance(StatusAnalyzing, 30, "Performing comprehensive analysis", t0))
	require.NoError(t, s.Advance(StatusInitializingAnalyzer, 20, "Initializing analysis engine", t0))

	assert.Equal(t, 30, s.Progress)
	assert.Equal(t, StatusInitializingAnalyzer, s.Status)
	assert.Nil(t, s.CompletedAt)
}

func TestSessionAdvanceRejectsTerminalTarget(t *testing.T) {
	s := New("abc", Request{}, t0)
	assert.Error(t, s.Advance(StatusCompleted, 100, "done", t0))
}

func TestSessionCompleteAndFailAreExclusive(t *testing.T) {
	done := t0.Add(time.Minute)

	ok := New("a", Request{}, t0)
	require.NoError(t, ok.Complete(analyzer.Result{Status: analyzer.StatusSuccess}, "Analysis complete", done))
	assert.Equal(t, StatusCompleted, ok.Status)
	assert.Equal(t, 100, ok.Progress)
	assert.NotNil(t, ok.Results)
	assert.Empty(t, ok.Error)
	require.NotNil(t, ok.CompletedAt)
	assert.Equal(t, done, *ok.CompletedAt)

	assert.ErrorIs(t, ok.Fail("late failure", done), ErrTerminal)
	assert.Equal(t, StatusCompleted, ok.Status)

	failed := New("b", Request{}, t0)
	require.NoError(t, failed.Fail("boom", done))
	assert.Equal(t, StatusError, failed.Status)
	assert.Nil(t, failed.Results)
	assert.Equal(t, "boom", failed.Error)
	assert.NotNil(t, failed.CompletedAt)
	assert.ErrorIs(t, failed.Advance(StatusAnalyzing, 30, "x", done), ErrTerminal)
}

func TestSessionRedactedHidesAnswer(t *testing.T) {
	s := New("abc", Request{}, t0)
	require.NoError(t, s.RequireIntervention(safety.InterventionRequest{
		Kind:      safety.KindSafetyCheck,
		Message:   "check",
		Challenge: safety.DefaultChallenge(),
	}, t0))

	redacted := s.Redacted()
	require.NotNil(t, redacted.Intervention)
	assert.Empty(t, redacted.Intervention.Challenge.ExpectedAnswer)
	assert.Equal(t, safety.DefaultChallengeAnswer, s.Intervention.Challenge.ExpectedAnswer)
}

func TestSessionCloneIsDeep(t *testing.T) {
	s := New("abc", Request{}, t0)
	s.Turns = []conversation.Turn{{Speaker: "Alice", Content: "hi"}}

	clone := s.Clone()
	clone.Turns[0].Content = "changed"
	assert.Equal(t, "hi", s.Turns[0].Content)
}

func TestSessionCloneCopiesResults(t *testing.T) {
	s := New("abc", Request{}, t0)
	results := map[string]any{
		"summary": "calm",
		"traits":  []any{"steady", map[string]any{"name": "warm"}},
		"scores":  map[string]any{"openness": 0.7},
	}
	warnings := analyzer.Metadata{SchemaWarnings: []string{"missing field"}}
	require.NoError(t, s.Complete(analyzer.Result{Status: analyzer.StatusSuccess, Results: results, Metadata: warnings}, "Analysis complete", t0))

	clone := s.Clone()
	clone.Results.Results["summary"] = "changed"
	clone.Results.Results["added"] = true
	clone.Results.Results["scores"].(map[string]any)["openness"] = 0.1
	clone.Results.Results["traits"].([]any)[0] = "changed"
	clone.Results.Results["traits"].([]any)[1].(map[string]any)["name"] = "cold"
	clone.Results.Metadata.SchemaWarnings[0] = "changed"

	assert.Equal(t, map[string]any{
		"summary": "calm",
		"traits":  []any{"steady", map[string]any{"name": "warm"}},
		"scores":  map[string]any{"openness": 0.7},
	}, s.Results.Results)
	assert.Equal(t, []string{"missing field"}, s.Results.Metadata.SchemaWarnings)
}
