package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crabstack.local/projects/conversatrait/internal/events"
)

func TestSubscriberHandle(t *testing.T) {
	var buf bytes.Buffer
	s := New(zerolog.New(&buf))

	event := events.Event{
		ID:          "evt_1",
		Kind:        events.KindProgress,
		SessionID:   "abc",
		Progress:    30,
		Status:      "analyzing",
		CurrentStep: "Performing big_five analysis",
	}
	require.NoError(t, s.Handle(context.Background(), event))
	assert.Equal(t, "logging", s.Name())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "evt_1", line["event_id"])
	assert.Equal(t, "abc", line["session_id"])
	assert.Equal(t, float64(30), line["progress"])
	assert.Equal(t, "Performing big_five analysis", line["step"])
}

func TestSubscriberWarnsOnError(t *testing.T) {
	var buf bytes.Buffer
	s := New(zerolog.New(&buf))

	require.NoError(t, s.Handle(context.Background(), events.Event{
		ID:    "evt_2",
		Kind:  events.KindError,
		Error: "llm provider unavailable",
	}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "llm provider unavailable", line["error"])
}
