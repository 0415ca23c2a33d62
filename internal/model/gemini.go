package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"google.golang.org/genai"
)

// OpenRouter names Gemini models tier-first (gemini-flash-1.5); the Gemini
// API wants version-first (gemini-1.5-flash).
var tierFirstGeminiID = regexp.MustCompile(`^gemini-(flash|pro)-(\d+(?:\.\d+)?)(-.+)?$`)

type GeminiOption func(*genai.ClientConfig)

func WithGeminiBaseURL(baseURL string) GeminiOption {
	return func(cfg *genai.ClientConfig) {
		if trimmed := strings.TrimSpace(baseURL); trimmed != "" {
			cfg.HTTPOptions.BaseURL = trimmed
		}
	}
}

func WithGeminiHTTPClient(client *http.Client) GeminiOption {
	return func(cfg *genai.ClientConfig) {
		if client != nil {
			cfg.HTTPClient = client
		}
	}
}

// GeminiProvider completes through the Gemini API. Model ids in the
// OpenRouter "google/<name>" form are accepted.
type GeminiProvider struct {
	client *genai.Client
}

var _ Provider = (*GeminiProvider)(nil)

func NewGeminiProvider(ctx context.Context, apiKey string, opts ...GeminiOption) (*GeminiProvider, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	modelName := geminiModelName(req.Model)
	if modelName == "" {
		return CompletionResponse{}, errors.New("model is required")
	}
	if req.MaxTokens <= 0 {
		return CompletionResponse{}, errors.New("max tokens must be greater than zero")
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	system := strings.TrimSpace(req.SystemPrompt)
	for _, message := range req.Messages {
		switch message.Role {
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(message.Content, genai.RoleUser))
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(message.Content, genai.RoleModel))
		case RoleSystem:
			system = strings.TrimSpace(system + "\n" + message.Content)
		default:
			return CompletionResponse{}, fmt.Errorf("unsupported message role: %s", message.Role)
		}
	}
	if len(contents) == 0 {
		return CompletionResponse{}, errors.New("at least one message is required")
	}

	temperature := float32(req.Temperature)
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}}
	}
	if req.ResponseFormat == ResponseFormatJSONObject {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := p.client.Models.GenerateContent(ctx, modelName, contents, config)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("call gemini api: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return CompletionResponse{}, fmt.Errorf("%w: gemini response has no candidates", ErrMalformedResponse)
	}

	out := CompletionResponse{
		Content:    resp.Text(),
		Model:      req.Model,
		StopReason: string(resp.Candidates[0].FinishReason),
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// geminiModelName maps a catalog id such as "google/gemini-flash-1.5" to the
// Gemini API model name.
func geminiModelName(id string) string {
	id = strings.TrimPrefix(strings.TrimSpace(id), "google/")
	return tierFirstGeminiID.ReplaceAllString(id, "gemini-$2-$1$3")
}
