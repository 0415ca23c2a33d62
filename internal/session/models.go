package session

import (
	"fmt"
	"time"

	"crabstack.local/projects/conversatrait/internal/analyzer"
	"crabstack.local/projects/conversatrait/internal/conversation"
	"crabstack.local/projects/conversatrait/internal/safety"
)

type Status string

const (
	StatusInitializing         Status = "initializing"
	StatusParsingConversation  Status = "parsing_conversation"
	StatusInterventionRequired Status = "intervention_required"
	StatusInitializingAnalyzer Status = "initializing_analyzer"
	StatusAnalyzing            Status = "analyzing"
	StatusProcessingResults    Status = "processing_results"
	StatusCompleted            Status = "completed"
	StatusError                Status = "error"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Request is what a run needs to resume after an intervention.
type Request struct {
	AnalysisType        string `json:"analysis_type"`
	Model               string `json:"model,omitempty"`
	Provider            string `json:"provider,omitempty"`
	SpeakerFilter       string `json:"speaker_filter,omitempty"`
	RelationshipContext string `json:"relationship_context,omitempty"`
}

// Session tracks one analysis request. Values handed out by a Store are
// copies; mutate through Store.Update.
type Session struct {
	ID           string                      `json:"session_id"`
	Status       Status                      `json:"status"`
	Progress     int                         `json:"progress"`
	CurrentStep  string                      `json:"current_step"`
	Results      *analyzer.Result            `json:"results,omitempty"`
	Error        string                      `json:"error,omitempty"`
	Intervention *safety.InterventionRequest `json:"intervention,omitempty"`
	Request      Request                     `json:"request"`
	Turns        []conversation.Turn         `json:"-"`
	CreatedAt    time.Time                   `json:"created_at"`
	UpdatedAt    time.Time                   `json:"updated_at"`
	CompletedAt  *time.Time                  `json:"completed_at,omitempty"`
}

func New(id string, req Request, now time.Time) Session {
	return Session{
		ID:        id,
		Status:    StatusInitializing,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Advance moves a live session to status. Progress never goes backwards.
func (s *Session) Advance(status Status, progress int, step string, now time.Time) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: session %s is %s", ErrTerminal, s.ID, s.Status)
	}
	if status.Terminal() {
		return fmt.Errorf("advance to terminal status %s", status)
	}
	if progress > 100 {
		progress = 100
	}
	if progress > s.Progress {
		s.Progress = progress
	}
	s.Status = status
	s.CurrentStep = step
	s.UpdatedAt = now
	return nil
}

func (s *Session) RequireIntervention(req safety.InterventionRequest, now time.Time) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: session %s is %s", ErrTerminal, s.ID, s.Status)
	}
	s.Status = StatusInterventionRequired
	s.CurrentStep = req.Message
	s.Intervention = &req
	s.UpdatedAt = now
	return nil
}

func (s *Session) Complete(result analyzer.Result, step string, now time.Time) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: session %s is %s", ErrTerminal, s.ID, s.Status)
	}
	s.Status = StatusCompleted
	s.Progress = 100
	s.CurrentStep = step
	s.Results = &result
	s.Error = ""
	s.Intervention = nil
	s.UpdatedAt = now
	s.CompletedAt = &now
	return nil
}

func (s *Session) Fail(message string, now time.Time) error {
	if s.Status.Terminal() {
		return fmt.Errorf("%w: session %s is %s", ErrTerminal, s.ID, s.Status)
	}
	s.Status = StatusError
	s.CurrentStep = message
	s.Error = message
	s.Results = nil
	s.Intervention = nil
	s.UpdatedAt = now
	s.CompletedAt = &now
	return nil
}

// Clone copies everything a caller could mutate.
func (s Session) Clone() Session {
	out := s
	out.Turns = conversation.Clone(s.Turns)
	if s.Intervention != nil {
		intervention := *s.Intervention
		out.Intervention = &intervention
	}
	if s.Results != nil {
		results := s.Results.Clone()
		out.Results = &results
	}
	if s.CompletedAt != nil {
		completedAt := *s.CompletedAt
		out.CompletedAt = &completedAt
	}
	return out
}

// Redacted is the view shown to clients: the challenge answer is removed.
func (s Session) Redacted() Session {
	out := s.Clone()
	if out.Intervention != nil {
		redacted := out.Intervention.Redacted()
		out.Intervention = &redacted
	}
	return out
}
