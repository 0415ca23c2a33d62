package logging

import (
	"context"

	"github.com/rs/zerolog"

	"crabstack.local/projects/conversatrait/internal/events"
)

type Subscriber struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Subscriber {
	return &Subscriber{logger: logger.With().Str("subscriber", "logging").Logger()}
}

func (s *Subscriber) Name() string {
	return "logging"
}

func (s *Subscriber) Handle(_ context.Context, event events.Event) error {
	entry := s.logger.Info()
	if event.Kind == events.KindError || event.Kind == events.KindInterventionFailed {
		entry = s.logger.Warn()
	}
	entry = entry.
		Str("event_id", event.ID).
		Str("event_type", string(event.Kind)).
		Str("session_id", event.SessionID).
		Int("progress", event.Progress).
		Str("status", event.Status).
		Time("occurred_at", event.Timestamp)
	if event.CurrentStep != "" {
		entry = entry.Str("step", event.CurrentStep)
	}
	if event.Error != "" {
		entry = entry.Str("error", event.Error)
	}
	if event.Intervention != nil {
		entry = entry.Str("intervention_kind", string(event.Intervention.Kind))
	}
	if event.Results != nil {
		entry = entry.Str("model", event.Results.Metadata.Model).Bool("repaired", event.Results.Metadata.Repaired)
	}
	entry.Msg("analysis event")
	return nil
}
