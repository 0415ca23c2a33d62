package safety

import (
	"regexp"
	"strings"
)

const (
	DefaultConfidence        = 0.95
	DefaultThreshold         = 0.7
	DefaultExcludedThreshold = 0.9
)

// Classifier decides whether text needs human confirmation before analysis.
// A nil result means the text may proceed.
type Classifier interface {
	Classify(text string) *InterventionRequest
}

type Rule struct {
	Name       string
	Pattern    *regexp.Regexp
	Confidence float64
}

type Match struct {
	Rule       string  `json:"rule"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Assessment explains a Gate decision.
type Assessment struct {
	ExcludingContexts []string `json:"excluding_contexts,omitempty"`
	Threshold         float64  `json:"threshold"`
	MaxConfidence     float64  `json:"max_confidence"`
	Matches           []Match  `json:"matches,omitempty"`
	Intervene         bool     `json:"intervene"`
}

type Option func(*Gate)

// Gate is a regex classifier with two rule families. Exclusion rules mark
// legitimate discussion and raise the threshold; crisis rules carry their own
// confidence.
type Gate struct {
	exclusions        []Rule
	crisis            []Rule
	threshold         float64
	excludedThreshold float64
	message           string
	challenge         Challenge
}

var _ Classifier = (*Gate)(nil)

func NewGate(opts ...Option) *Gate {
	g := &Gate{
		exclusions:        DefaultExclusionRules(),
		crisis:            DefaultCrisisRules(),
		threshold:         DefaultThreshold,
		excludedThreshold: DefaultExcludedThreshold,
		message:           DefaultMessage,
		challenge:         DefaultChallenge(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

func WithCrisisRules(rules ...Rule) Option {
	return func(g *Gate) {
		g.crisis = append(g.crisis, rules...)
	}
}

func WithExclusionRules(rules ...Rule) Option {
	return func(g *Gate) {
		g.exclusions = append(g.exclusions, rules...)
	}
}

func WithThresholds(base, excluded float64) Option {
	return func(g *Gate) {
		if base > 0 {
			g.threshold = base
		}
		if excluded > 0 {
			g.excludedThreshold = excluded
		}
	}
}

func WithChallenge(message string, challenge Challenge) Option {
	return func(g *Gate) {
		if strings.TrimSpace(message) != "" {
			g.message = message
		}
		if strings.TrimSpace(challenge.ExpectedAnswer) != "" {
			g.challenge = challenge
		}
	}
}

func (g *Gate) Assess(text string) Assessment {
	var out Assessment
	for _, rule := range g.exclusions {
		if rule.Pattern.MatchString(text) {
			out.ExcludingContexts = append(out.ExcludingContexts, rule.Name)
		}
	}

	out.Threshold = g.threshold
	if len(out.ExcludingContexts) > 0 {
		out.Threshold = g.excludedThreshold
	}

	for _, rule := range g.crisis {
		found := rule.Pattern.FindString(text)
		if found == "" {
			continue
		}
		out.Matches = append(out.Matches, Match{Rule: rule.Name, Text: found, Confidence: rule.Confidence})
		if rule.Confidence > out.MaxConfidence {
			out.MaxConfidence = rule.Confidence
		}
	}

	out.Intervene = len(out.Matches) > 0 && out.MaxConfidence >= out.Threshold
	return out
}

func (g *Gate) Classify(text string) *InterventionRequest {
	if !g.Assess(text).Intervene {
		return nil
	}
	return &InterventionRequest{
		Kind:      KindSafetyCheck,
		Message:   g.message,
		Challenge: g.challenge,
	}
}

func DefaultExclusionRules() []Rule {
	return []Rule{
		rule("medical_discussion", `\b(doctor|medical|treatment|hospital|cancer|heart failure|medication|prescription|diagnosis|illness|disease|therapy)\b`, 0),
		rule("third_person_discussion", `\b(my (friend|family|dad|mom|father|mother|brother|sister|relative)|he (died|passed)|she (died|passed)|family member|someone I know)\b`, 0),
		rule("past_events", `\b(last (year|month|week)|months? ago|years? ago|(car )?accident happened|previously|in the past|used to|had been)\b`, 0),
		rule("educational_context", `\b(discussing|awareness|helping others|support group|learning about|understanding|information about)\b`, 0),
	}
}

func DefaultCrisisRules() []Rule {
	return []Rule{
		rule("self_harm_intent", `\bI (want to|am going to|plan to|will) (kill myself|end my life|commit suicide)\b`, DefaultConfidence),
		rule("self_harm_plan", `\bI (have|am making) (a plan|plans) to (hurt|kill|harm) myself\b`, DefaultConfidence),
		rule("violence_plan", `\bI am (planning|going) to (attack|murder|shoot|stab|hurt|kill) (someone|people|him|her)\b`, DefaultConfidence),
		rule("violence_intent", `\bI (want|plan|intend) to (hurt|harm|kill|murder) (others|people|someone)\b`, DefaultConfidence),
	}
}

// NewRule compiles a case-insensitive rule.
func NewRule(name, pattern string, confidence float64) (Rule, error) {
	re, err := regexp.Compile(`(?i)` + pattern)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Name: name, Pattern: re, Confidence: confidence}, nil
}

func rule(name, pattern string, confidence float64) Rule {
	return Rule{Name: name, Pattern: regexp.MustCompile(`(?i)` + pattern), Confidence: confidence}
}
