package model

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const modelListing = `{"data":[
	{"id":"b/pricey","name":"Pricey","context_length":8000,"pricing":{"prompt":"0.00002","completion":"0.00004"}},
	{"id":"a/cheap-small","name":"Cheap small","context_length":4000,"pricing":{"prompt":"0.000001","completion":"0.000002"}},
	{"id":"a/cheap-large","name":"Cheap large","context_length":128000,"pricing":{"prompt":0.000001,"completion":0.000002}},
	{"id":"c/no-pricing","context_length":1000},
	{"id":"c/no-context","pricing":{"prompt":"0","completion":"0"}},
	{"id":"c/bad-price","context_length":1000,"pricing":{"prompt":"n/a","completion":"0"}}
]}`

func TestListModelsSortsAndDropsIncomplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(modelListing))
	}))
	defer server.Close()

	provider := NewOpenRouterProvider("test-key", WithOpenRouterModelsEndpoint(server.URL))
	models, err := provider.ListModels(context.Background())
	require.NoError(t, err)

	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"a/cheap-large", "a/cheap-small", "b/pricey"}, ids)
	assert.Equal(t, int64(128000), models[0].ContextLength)
	assert.InDelta(t, 0.000002, models[0].CompletionPrice, 1e-12)
}

func TestListModelsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := NewOpenRouterProvider("bad", WithOpenRouterModelsEndpoint(server.URL))
	_, err := provider.ListModels(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}

func TestValidateKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer server.Close()

	provider := NewOpenRouterProvider("", WithOpenRouterModelsEndpoint(server.URL))

	valid, status, err := provider.ValidateKey(context.Background(), "good")
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, http.StatusOK, status)

	valid, status, err = provider.ValidateKey(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Equal(t, http.StatusUnauthorized, status)

	_, _, err = provider.ValidateKey(context.Background(), "  ")
	assert.Error(t, err)
}

func TestSortModelsTieBreaksOnID(t *testing.T) {
	models := SortModels([]ModelInfo{
		{ID: "z", PromptPrice: 1, ContextLength: 10},
		{ID: "a", PromptPrice: 1, ContextLength: 10},
	})
	assert.Equal(t, "a", models[0].ID)
}
