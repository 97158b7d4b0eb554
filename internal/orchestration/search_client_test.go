package orchestration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
)

func TestNewSearchClient(t *testing.T) {
	client := NewSearchClient()

	assert.NotNil(t, client)
	assert.NotNil(t, client.httpClient)
	assert.NotNil(t, client.tracer)
	assert.Contains(t, client.baseURL, "search-service")
}

func TestSearchClient_Invoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "grid storage", r.URL.Query().Get("q"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(searchResponse{
			Results: []SearchResult{
				{URL: "https://example.com/grid", Title: "Grid Storage", Domain: "example.com", Score: 0.8},
				{URL: "https://example.org/batteries", Title: "Batteries"},
			},
		})
	}))
	defer server.Close()

	client := NewSearchClient()
	client.SetBaseURL(server.URL)

	result, err := client.Invoke(context.Background(), pipeline.NewState(nil),
		map[string]interface{}{"query": "grid storage"})
	require.NoError(t, err)

	results, ok := result.Output.([]SearchResult)
	require.True(t, ok)
	require.Len(t, results, 2)
	assert.Equal(t, "https://example.com/grid", results[0].URL)

	require.Len(t, result.Grounding, 2)
	assert.Equal(t, "Grid Storage", result.Grounding[0].Title)
	assert.Equal(t, 0.8, result.Grounding[0].Confidence)
}

func TestSearchClient_Invoke_QueryFromState(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "planned query", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(searchResponse{})
	}))
	defer server.Close()

	client := NewSearchClient()
	client.SetBaseURL(server.URL)

	state := pipeline.NewState(map[string]interface{}{"research_query": "planned query"})
	_, err := client.Invoke(context.Background(), state,
		map[string]interface{}{"query_key": "research_query"})
	assert.NoError(t, err)
}

func TestSearchClient_Invoke_QueryErrors(t *testing.T) {
	tests := []struct {
		name          string
		state         map[string]interface{}
		config        map[string]interface{}
		expectedError string
	}{
		{
			name:          "no_query_configured",
			config:        map[string]interface{}{},
			expectedError: "requires query or query_key",
		},
		{
			name:          "query_key_unset_in_state",
			config:        map[string]interface{}{"query_key": "missing"},
			expectedError: `"missing"`,
		},
		{
			name:          "query_key_not_a_string",
			state:         map[string]interface{}{"research_query": 42},
			config:        map[string]interface{}{"query_key": "research_query"},
			expectedError: "does not hold a search query",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewSearchClient()

			_, err := client.Invoke(context.Background(), pipeline.NewState(tt.state), tt.config)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedError)
		})
	}
}

func TestSearchClient_Invoke_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	client := NewSearchClient()
	client.SetBaseURL(server.URL)

	_, err := client.Invoke(context.Background(), pipeline.NewState(nil),
		map[string]interface{}{"query": "anything"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "search backend returned status 502")
}
