package safety

import "strings"

type Kind string

const KindSafetyCheck Kind = "safety_check"

const (
	DefaultMessage         = "Your message contains content that raises serious concerns. Please solve the following challenge to continue."
	DefaultChallengePrompt = "Type the accountability word exactly as it appears in your resources."
	DefaultChallengeHint   = "Spell the word from your resources."
	DefaultChallengeAnswer = "accntbl"
)

type Challenge struct {
	Prompt         string `json:"prompt"`
	Hint           string `json:"hint,omitempty"`
	ExpectedAnswer string `json:"expected_answer,omitempty"`
}

// InterventionRequest suspends an analysis until the challenge is answered.
type InterventionRequest struct {
	Kind      Kind      `json:"kind"`
	Message   string    `json:"message"`
	Challenge Challenge `json:"challenge"`
}

func DefaultChallenge() Challenge {
	return Challenge{
		Prompt:         DefaultChallengePrompt,
		Hint:           DefaultChallengeHint,
		ExpectedAnswer: DefaultChallengeAnswer,
	}
}

// Accepts compares answer against the expected answer, ignoring case and
// surrounding whitespace.
func (r InterventionRequest) Accepts(answer string) bool {
	expected := strings.TrimSpace(r.Challenge.ExpectedAnswer)
	if expected == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(answer), expected)
}

// Redacted returns a copy that is safe to hand to clients.
func (r InterventionRequest) Redacted() InterventionRequest {
	out := r
	out.Challenge.ExpectedAnswer = ""
	return out
}
