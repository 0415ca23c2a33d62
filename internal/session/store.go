package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrStoreClosed = errors.New("session store is closed")
	// ErrTerminal rejects a transition out of completed or error.
	ErrTerminal = errors.New("session already finished")
)

// Store is the process-wide session registry. Update applies fn to the
// stored session atomically and returns the result; an error from fn
// leaves the stored session untouched.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Update(ctx context.Context, id string, fn func(*Session) error) (Session, error)
	Delete(ctx context.Context, id string) error
	ExpireBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// expired reports whether s is past its retention window. Finished sessions
// age from completed_at, parked interventions from created_at.
func expired(s Session, cutoff time.Time) bool {
	switch {
	case s.Status.Terminal() && s.CompletedAt != nil:
		return s.CompletedAt.Before(cutoff)
	case s.Status == StatusInterventionRequired:
		return s.CreatedAt.Before(cutoff)
	default:
		return false
	}
}

func normalizeID(id string) string {
	return strings.TrimSpace(id)
}
