package analyzer

import "errors"

var (
	// ErrLLMUnavailable is returned once every attempt failed on transport
	// or HTTP status.
	ErrLLMUnavailable            = errors.New("llm provider unavailable")
	ErrMalformedProviderResponse = errors.New("malformed provider response")
	ErrUnparsableAnalysis        = errors.New("unparsable analysis")
)
