package events

import (
	"context"
	"time"

	"crabstack.local/projects/conversatrait/internal/analyzer"
	"crabstack.local/projects/conversatrait/internal/safety"
)

type Kind string

const (
	KindProgress           Kind = "analysis_progress"
	KindComplete           Kind = "analysis_complete"
	KindError              Kind = "analysis_error"
	KindIntervention       Kind = "analysis_intervention"
	KindInterventionFailed Kind = "intervention_failed"
)

// Event is a read-only snapshot of a session transition. Intervention never
// carries the expected answer.
type Event struct {
	ID           string                      `json:"event_id"`
	Kind         Kind                        `json:"type"`
	SessionID    string                      `json:"session_id"`
	Progress     int                         `json:"progress"`
	Status       string                      `json:"status"`
	CurrentStep  string                      `json:"current_step,omitempty"`
	Results      *analyzer.Result            `json:"results,omitempty"`
	Error        string                      `json:"error,omitempty"`
	Intervention *safety.InterventionRequest `json:"intervention,omitempty"`
	Message      string                      `json:"message,omitempty"`
	Timestamp    time.Time                   `json:"timestamp"`
}

func (e Event) Terminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}

// Sink receives notifications in emission order for each session.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

type SinkFunc func(ctx context.Context, event Event)

func (f SinkFunc) Publish(ctx context.Context, event Event) {
	f(ctx, event)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) {})
