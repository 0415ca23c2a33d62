package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultOpenRouterEndpoint       = "https://openrouter.ai/api/v1/chat/completions"
	DefaultOpenRouterModelsEndpoint = "https://openrouter.ai/api/v1/models"

	openRouterName = "openrouter"
)

type OpenRouterOption func(*OpenRouterProvider)

// OpenRouterProvider talks to an OpenAI-compatible chat completions API.
// OpenRouter is the default endpoint.
type OpenRouterProvider struct {
	apiKey         string
	endpoint       string
	modelsEndpoint string
	referer        string
	title          string
	client         *http.Client
}

func NewOpenRouterProvider(apiKey string, opts ...OpenRouterOption) *OpenRouterProvider {
	provider := &OpenRouterProvider{
		apiKey:         strings.TrimSpace(apiKey),
		endpoint:       DefaultOpenRouterEndpoint,
		modelsEndpoint: DefaultOpenRouterModelsEndpoint,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	return provider
}

func WithOpenRouterEndpoint(endpoint string) OpenRouterOption {
	return func(p *OpenRouterProvider) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			p.endpoint = trimmed
		}
	}
}

func WithOpenRouterModelsEndpoint(endpoint string) OpenRouterOption {
	return func(p *OpenRouterProvider) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			p.modelsEndpoint = trimmed
		}
	}
}

func WithOpenRouterHTTPClient(client *http.Client) OpenRouterOption {
	return func(p *OpenRouterProvider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithAttribution sets the HTTP-Referer and X-Title headers OpenRouter uses
// for app rankings.
func WithAttribution(referer, title string) OpenRouterOption {
	return func(p *OpenRouterProvider) {
		p.referer = strings.TrimSpace(referer)
		p.title = strings.TrimSpace(title)
	}
}

type openRouterRequest struct {
	Model          string                    `json:"model"`
	Messages       []openRouterMessage       `json:"messages"`
	MaxTokens      int                       `json:"max_tokens"`
	Temperature    float64                   `json:"temperature"`
	ResponseFormat *openRouterResponseFormat `json:"response_format,omitempty"`
}

type openRouterResponseFormat struct {
	Type string `json:"type"`
}

type openRouterMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

type openRouterResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Choices []openRouterChoice `json:"choices"`
	Usage   openRouterUsage    `json:"usage"`
}

type openRouterChoice struct {
	Message      *openRouterMessage `json:"message"`
	FinishReason string             `json:"finish_reason"`
}

type openRouterUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type openRouterErrorEnvelope struct {
	Error openRouterError `json:"error"`
}

type openRouterError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

var _ Provider = (*OpenRouterProvider)(nil)

func (p *OpenRouterProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if strings.TrimSpace(p.apiKey) == "" {
		return CompletionResponse{}, errors.New("openrouter api key is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return CompletionResponse{}, errors.New("model is required")
	}
	if req.MaxTokens <= 0 {
		return CompletionResponse{}, errors.New("max tokens must be greater than zero")
	}

	messages, err := buildOpenRouterMessages(req)
	if err != nil {
		return CompletionResponse{}, err
	}
	if len(messages) == 0 {
		return CompletionResponse{}, errors.New("at least one message is required")
	}

	payload := openRouterRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.ResponseFormat != "" {
		payload.ResponseFormat = &openRouterResponseFormat{Type: string(req.ResponseFormat)}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("marshal openrouter request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("build openrouter request: %w", err)
	}
	p.setHeaders(httpReq, p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("call openrouter api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CompletionResponse{}, parseOpenRouterAPIError(resp)
	}

	var parsed openRouterResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&parsed); err != nil {
		return CompletionResponse{}, fmt.Errorf("%w: decode openrouter response: %v", ErrMalformedResponse, err)
	}
	if len(parsed.Choices) == 0 {
		return CompletionResponse{}, fmt.Errorf("%w: no 'choices' field", ErrMalformedResponse)
	}
	choice := parsed.Choices[0]
	if choice.Message == nil || choice.Message.Content == nil {
		return CompletionResponse{}, fmt.Errorf("%w: first choice has no message content", ErrMalformedResponse)
	}

	modelName := parsed.Model
	if modelName == "" {
		modelName = req.Model
	}

	return CompletionResponse{
		Content: *choice.Message.Content,
		Usage: Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
		Model:      modelName,
		StopReason: choice.FinishReason,
	}, nil
}

func (p *OpenRouterProvider) setHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if p.referer != "" {
		req.Header.Set("HTTP-Referer", p.referer)
	}
	if p.title != "" {
		req.Header.Set("X-Title", p.title)
	}
}

func buildOpenRouterMessages(req CompletionRequest) ([]openRouterMessage, error) {
	messages := make([]openRouterMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, openRouterMessage{Role: string(RoleSystem), Content: stringPtr(req.SystemPrompt)})
	}
	for _, message := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(string(message.Role)))
		switch role {
		case string(RoleUser), string(RoleAssistant), string(RoleSystem):
			messages = append(messages, openRouterMessage{Role: role, Content: stringPtr(message.Content)})
		default:
			return nil, fmt.Errorf("unsupported message role: %s", message.Role)
		}
	}
	return messages, nil
}

func stringPtr(value string) *string {
	v := value
	return &v
}

func parseOpenRouterAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	message := strings.TrimSpace(string(body))
	if len(body) > 0 {
		var parsed openRouterErrorEnvelope
		if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
			message = parsed.Error.Message
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &StatusError{Provider: openRouterName, StatusCode: resp.StatusCode, Message: message}
}
