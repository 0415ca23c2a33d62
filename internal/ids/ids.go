package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a fresh 32-character hex session token.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether raw looks like a token produced by New.
func Valid(raw string) bool {
	raw = strings.TrimSpace(raw)
	if len(raw) != 32 {
		return false
	}
	_, err := uuid.Parse(raw)
	return err == nil
}
