package session

import (
	"encoding/json"
	"fmt"
	"time"

	"crabstack.local/projects/conversatrait/internal/analyzer"
	"crabstack.local/projects/conversatrait/internal/conversation"
	"crabstack.local/projects/conversatrait/internal/safety"
)

type sessionRow struct {
	ID               string     `gorm:"primaryKey;size:64"`
	Status           string     `gorm:"size:64;not null;index"`
	Progress         int        `gorm:"not null"`
	CurrentStep      string     `gorm:"type:text"`
	ResultsJSON      string     `gorm:"type:text"`
	Error            string     `gorm:"type:text"`
	InterventionJSON string     `gorm:"type:text"`
	RequestJSON      string     `gorm:"type:text;not null"`
	TurnsJSON        string     `gorm:"type:text;not null"`
	CreatedAt        time.Time  `gorm:"not null;index;autoCreateTime:false"`
	UpdatedAt        time.Time  `gorm:"not null;autoUpdateTime:false"`
	CompletedAt      *time.Time `gorm:"index"`
}

func (sessionRow) TableName() string {
	return "analysis_sessions"
}

func (r sessionRow) toRecord() (Session, error) {
	out := Session{
		ID:          r.ID,
		Status:      Status(r.Status),
		Progress:    r.Progress,
		CurrentStep: r.CurrentStep,
		Error:       r.Error,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
	if r.ResultsJSON != "" {
		var results analyzer.Result
		if err := json.Unmarshal([]byte(r.ResultsJSON), &results); err != nil {
			return Session{}, fmt.Errorf("decode results for %s: %w", r.ID, err)
		}
		out.Results = &results
	}
	if r.InterventionJSON != "" {
		var intervention safety.InterventionRequest
		if err := json.Unmarshal([]byte(r.InterventionJSON), &intervention); err != nil {
			return Session{}, fmt.Errorf("decode intervention for %s: %w", r.ID, err)
		}
		out.Intervention = &intervention
	}
	if err := json.Unmarshal([]byte(r.RequestJSON), &out.Request); err != nil {
		return Session{}, fmt.Errorf("decode request for %s: %w", r.ID, err)
	}
	var turns []conversation.Turn
	if err := json.Unmarshal([]byte(r.TurnsJSON), &turns); err != nil {
		return Session{}, fmt.Errorf("decode turns for %s: %w", r.ID, err)
	}
	out.Turns = turns
	return out, nil
}

func sessionRowFromRecord(rec Session) (sessionRow, error) {
	row := sessionRow{
		ID:          rec.ID,
		Status:      string(rec.Status),
		Progress:    rec.Progress,
		CurrentStep: rec.CurrentStep,
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
		CompletedAt: rec.CompletedAt,
	}
	if rec.Results != nil {
		encoded, err := json.Marshal(rec.Results)
		if err != nil {
			return sessionRow{}, fmt.Errorf("marshal results: %w", err)
		}
		row.ResultsJSON = string(encoded)
	}
	if rec.Intervention != nil {
		// The stored copy keeps the expected answer; json tags only omit it
		// when empty.
		encoded, err := json.Marshal(rec.Intervention)
		if err != nil {
			return sessionRow{}, fmt.Errorf("marshal intervention: %w", err)
		}
		row.InterventionJSON = string(encoded)
	}
	request, err := json.Marshal(rec.Request)
	if err != nil {
		return sessionRow{}, fmt.Errorf("marshal request: %w", err)
	}
	row.RequestJSON = string(request)

	turns := rec.Turns
	if turns == nil {
		turns = []conversation.Turn{}
	}
	encodedTurns, err := json.Marshal(turns)
	if err != nil {
		return sessionRow{}, fmt.Errorf("marshal turns: %w", err)
	}
	row.TurnsJSON = string(encodedTurns)
	return row, nil
}
