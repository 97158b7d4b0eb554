package orchestration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
)

func TestNewAgentRuntimeClient(t *testing.T) {
	client := NewAgentRuntimeClient()

	assert.NotNil(t, client)
	assert.NotNil(t, client.httpClient)
	assert.NotNil(t, client.tracer)
	assert.NotNil(t, client.breaker)
	assert.Contains(t, client.baseURL, "agent-runtime")
}

func TestAgentRuntimeClient_Invoke(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse func(w http.ResponseWriter, r *http.Request)
		expectedError  string
		expectedOutput interface{}
	}{
		{
			name: "successful_invocation",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "POST", r.Method)
				assert.Equal(t, "/agent-runtime/invoke", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				// Verify request body
				var req AgentInvokeRequest
				err := json.NewDecoder(r.Body).Decode(&req)
				assert.NoError(t, err)
				assert.Equal(t, "draft", req.Task)
				assert.Equal(t, "quantum networking", req.State["topic"])
				assert.NotEmpty(t, req.TraceID)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				json.NewEncoder(w).Encode(AgentInvokeResponse{
					Output: "draft text",
				})
			},
			expectedOutput: "draft text",
		},
		{
			name: "server_error",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte("Internal server error"))
			},
			expectedError: "agent runtime returned status 500",
		},
		{
			name: "invalid_json_response",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("invalid json"))
			},
			expectedError: "failed to decode response",
		},
		{
			name: "runtime_reported_failure",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				json.NewEncoder(w).Encode(AgentInvokeResponse{
					Error: "model refused the task",
				})
			},
			expectedError: "agent runtime reported failure: model refused the task",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(tt.serverResponse))
			defer server.Close()

			client := NewAgentRuntimeClient()
			client.SetBaseURL(server.URL)

			state := pipeline.NewState(map[string]interface{}{"topic": "quantum networking"})
			result, err := client.Invoke(context.Background(), state, map[string]interface{}{"task": "draft"})

			if tt.expectedError != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedError)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expectedOutput, result.Output)
			}
		})
	}
}

func TestAgentRuntimeClient_Invoke_Grounding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"output": "researched text",
			"grounding": []map[string]interface{}{
				{"url": "https://example.com/a", "title": "Example A", "domain": "example.com", "confidence": 0.9},
				{"url": "https://example.com/b", "title": "Example B"},
			},
		})
	}))
	defer server.Close()

	client := NewAgentRuntimeClient()
	client.SetBaseURL(server.URL)

	result, err := client.Invoke(context.Background(), pipeline.NewState(nil), map[string]interface{}{"task": "research"})
	require.NoError(t, err)

	require.Len(t, result.Grounding, 2)
	assert.Equal(t, "https://example.com/a", result.Grounding[0].URL)
	assert.Equal(t, "Example A", result.Grounding[0].Title)
	assert.Equal(t, 0.9, result.Grounding[0].Confidence)
	assert.Equal(t, "https://example.com/b", result.Grounding[1].URL)
}

func TestAgentRuntimeClient_IsHealthy(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse func(w http.ResponseWriter, r *http.Request)
		expectedHealth bool
	}{
		{
			name: "healthy_service",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "GET", r.Method)
				assert.Equal(t, "/health", r.URL.Path)
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(`{"status": "healthy"}`))
			},
			expectedHealth: true,
		},
		{
			name: "unhealthy_service",
			serverResponse: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status": "unhealthy"}`))
			},
			expectedHealth: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(tt.serverResponse))
			defer server.Close()

			client := NewAgentRuntimeClient()
			client.SetBaseURL(server.URL)

			result := client.IsHealthy(context.Background())
			assert.Equal(t, tt.expectedHealth, result)
		})
	}
}

func TestAgentRuntimeClient_CircuitBreaker(t *testing.T) {
	// Create a server that always fails
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Service unavailable"))
	}))
	defer server.Close()

	client := NewAgentRuntimeClient()
	client.SetBaseURL(server.URL)

	state := pipeline.NewState(nil)
	config := map[string]interface{}{"task": "draft"}

	// Make multiple requests to trigger circuit breaker
	for i := 0; i < 10; i++ {
		_, err := client.Invoke(context.Background(), state, config)
		assert.Error(t, err)

		// After enough failures, circuit breaker should open
		if i > 5 {
			if strings.Contains(err.Error(), "circuit breaker is open") {
				break
			}
		}
	}
}

func TestAgentRuntimeClient_ContextCancellation(t *testing.T) {
	// Create a server with delay
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(AgentInvokeResponse{Output: "late"})
	}))
	defer server.Close()

	client := NewAgentRuntimeClient()
	client.SetBaseURL(server.URL)

	// Create context with short timeout
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Invoke(ctx, pipeline.NewState(nil), map[string]interface{}{"task": "draft"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "context deadline exceeded")
}
