package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// ModelInfo is one entry of the provider's model listing.
type ModelInfo struct {
	ID              string  `json:"id"`
	Name            string  `json:"name,omitempty"`
	ContextLength   int64   `json:"context_length"`
	PromptPrice     float64 `json:"prompt_price"`
	CompletionPrice float64 `json:"completion_price"`
}

type openRouterModelList struct {
	Data []openRouterModel `json:"data"`
}

type openRouterModel struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	ContextLength *float64           `json:"context_length"`
	Pricing       *openRouterPricing `json:"pricing"`
}

type openRouterPricing struct {
	Prompt     json.RawMessage `json:"prompt"`
	Completion json.RawMessage `json:"completion"`
}

// ListModels fetches the model catalog sorted by prompt price ascending,
// then context length descending. Entries without usable pricing or context
// length are dropped.
func (p *OpenRouterProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := p.getModels(ctx, p.apiKey)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseOpenRouterAPIError(resp)
	}

	var listing openRouterModelList
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&listing); err != nil {
		return nil, fmt.Errorf("%w: decode model list: %v", ErrMalformedResponse, err)
	}
	return SortModels(convertModels(listing.Data)), nil
}

// ValidateKey reports whether apiKey is accepted by the models endpoint.
func (p *OpenRouterProvider) ValidateKey(ctx context.Context, apiKey string) (bool, int, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return false, 0, fmt.Errorf("api key is required")
	}
	resp, err := p.getModels(ctx, apiKey)
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return resp.StatusCode == http.StatusOK, resp.StatusCode, nil
}

func (p *OpenRouterProvider) getModels(ctx context.Context, apiKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.modelsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build models request: %w", err)
	}
	p.setHeaders(req, apiKey)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call models api: %w", err)
	}
	return resp, nil
}

func convertModels(raw []openRouterModel) []ModelInfo {
	out := make([]ModelInfo, 0, len(raw))
	for _, m := range raw {
		if strings.TrimSpace(m.ID) == "" || m.Pricing == nil || m.ContextLength == nil {
			continue
		}
		prompt, ok := parsePrice(m.Pricing.Prompt)
		if !ok {
			continue
		}
		completion, _ := parsePrice(m.Pricing.Completion)
		out = append(out, ModelInfo{
			ID:              m.ID,
			Name:            m.Name,
			ContextLength:   int64(*m.ContextLength),
			PromptPrice:     prompt,
			CompletionPrice: completion,
		})
	}
	return out
}

// SortModels orders by prompt price ascending, then context length
// descending, then id.
func SortModels(models []ModelInfo) []ModelInfo {
	sort.SliceStable(models, func(i, j int) bool {
		a, b := models[i], models[j]
		if a.PromptPrice != b.PromptPrice {
			return a.PromptPrice < b.PromptPrice
		}
		if a.ContextLength != b.ContextLength {
			return a.ContextLength > b.ContextLength
		}
		return a.ID < b.ID
	})
	return models
}

// parsePrice accepts a JSON number or a numeric string.
func parsePrice(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		value, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return 0, false
		}
		return value, true
	}
	var value float64
	if err := json.Unmarshal(raw, &value); err != nil {
		return 0, false
	}
	return value, true
}
