package prompt

import (
	"errors"
	"fmt"
)

var (
	ErrNoMatchingSpeaker   = errors.New("no matching speaker")
	ErrTemplateUnavailable = errors.New("template unavailable")
	ErrPromptFormat        = errors.New("prompt format error")
)

// SpeakerError reports a speaker filter that matched no turns.
type SpeakerError struct {
	Speaker string
}

func (e *SpeakerError) Error() string {
	return fmt.Sprintf("No conversations found for speaker '%s'", e.Speaker)
}

func (e *SpeakerError) Is(target error) bool {
	return target == ErrNoMatchingSpeaker
}
