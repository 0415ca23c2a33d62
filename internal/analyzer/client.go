package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"crabstack.local/projects/conversatrait/internal/model"
	"crabstack.local/projects/conversatrait/internal/prompt"
)

const (
	DefaultRetryCount  = 3
	DefaultBackoff     = 500 * time.Millisecond
	DefaultMaxBackoff  = 8 * time.Second
	DefaultTimeout     = 60 * time.Second
	DefaultMaxTokens   = 4096
	DefaultTemperature = 0.5
)

type Option func(*Client)

// Client runs one completion round-trip with bounded retries and turns the
// returned text into a Result.
type Client struct {
	provider     model.Provider
	providerName string
	logger       zerolog.Logger

	retryCount  int
	backoff     time.Duration
	maxBackoff  time.Duration
	timeout     time.Duration
	maxTokens   int
	temperature float64
	now         func() time.Time
}

func New(provider model.Provider, providerName string, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		provider:     provider,
		providerName: strings.TrimSpace(providerName),
		logger:       logger,
		retryCount:   DefaultRetryCount,
		backoff:      DefaultBackoff,
		maxBackoff:   DefaultMaxBackoff,
		timeout:      DefaultTimeout,
		maxTokens:    DefaultMaxTokens,
		temperature:  DefaultTemperature,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func WithRetryCount(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retryCount = n
		}
	}
}

// WithBackoff sets the first retry delay and the cap for the doubling that
// follows.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(c *Client) {
		if base > 0 {
			c.backoff = base
		}
		if ceiling > 0 {
			c.maxBackoff = ceiling
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

func WithSampling(maxTokens int, temperature float64) Option {
	return func(c *Client) {
		if maxTokens > 0 {
			c.maxTokens = maxTokens
		}
		if temperature >= 0 {
			c.temperature = temperature
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func (c *Client) ProviderName() string {
	return c.providerName
}

// Analyze sends p to modelID. Transport failures and non-2xx statuses are
// retried; a malformed envelope or unparsable content is not.
func (c *Client) Analyze(ctx context.Context, p prompt.Prompt, modelID string) (Result, error) {
	if c == nil || c.provider == nil {
		return Result{}, fmt.Errorf("%w: no provider configured", ErrLLMUnavailable)
	}

	req := model.CompletionRequest{
		Model:          modelID,
		SystemPrompt:   p.System,
		Messages:       []model.Message{{Role: model.RoleUser, Content: p.User}},
		MaxTokens:      c.maxTokens,
		Temperature:    c.temperature,
		ResponseFormat: model.ResponseFormatJSONObject,
	}
	logger := c.logger.With().Str("model", modelID).Str("analysis_type", p.AnalysisType).Logger()

	backoff := retry.WithMaxRetries(uint64(c.retryCount-1), retry.WithCappedDuration(c.maxBackoff, retry.NewExponential(c.backoff)))
	attempts := 0
	var resp model.CompletionResponse
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		out, err := c.provider.Complete(attemptCtx, req)
		if err == nil {
			resp = out
			return nil
		}
		if errors.Is(err, model.ErrMalformedResponse) {
			return fmt.Errorf("%w: %v", ErrMalformedProviderResponse, err)
		}
		logger.Warn().Err(err).Int("attempt", attempts).Int("max_attempts", c.retryCount).Msg("completion attempt failed")
		if ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		if errors.Is(err, ErrMalformedProviderResponse) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w after %d attempts: %w", ErrLLMUnavailable, attempts, err)
	}

	results, repaired, ok := ParseObject(resp.Content)
	if !ok {
		logger.Error().Str("content_preview", preview(resp.Content, 500)).Msg("no json object in completion")
		return Result{}, fmt.Errorf("%w: failed to extract a valid JSON object for '%s' from the model response", ErrUnparsableAnalysis, p.AnalysisType)
	}
	if repaired {
		logger.Info().Msg("repaired truncated json in completion")
	}

	modelName := resp.Model
	if modelName == "" {
		modelName = modelID
	}
	return Result{
		Status:  StatusSuccess,
		Results: results,
		Metadata: Metadata{
			AnalysisType:   p.AnalysisType,
			Timestamp:      c.now().UTC(),
			Provider:       c.providerName,
			Model:          modelName,
			Attempts:       attempts,
			InputTokens:    resp.Usage.InputTokens,
			OutputTokens:   resp.Usage.OutputTokens,
			Repaired:       repaired,
			SchemaWarnings: checkSchema(p.Schema, results),
		},
		RawContent: resp.Content,
	}, nil
}

func preview(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
