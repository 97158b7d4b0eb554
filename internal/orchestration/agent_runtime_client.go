package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
)

// AgentRuntimeClient invokes the external model runtime that leaf stages
// delegate to. It implements pipeline.Capability: the engine hands it a state
// snapshot plus the leaf's config, and receives the produced output along
// with any grounding events.
type AgentRuntimeClient struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
	breaker    *gobreaker.CircuitBreaker
}

// AgentInvokeRequest is the payload sent to the runtime's invoke endpoint.
type AgentInvokeRequest struct {
	TraceID string                 `json:"trace_id"`
	Task    string                 `json:"task"`
	Config  map[string]interface{} `json:"config,omitempty"`
	State   map[string]interface{} `json:"state"`
}

// AgentInvokeResponse is the runtime's reply.
type AgentInvokeResponse struct {
	Output    interface{}        `json:"output"`
	Grounding []groundingPayload `json:"grounding,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type groundingPayload struct {
	URL        string  `json:"url"`
	Title      string  `json:"title,omitempty"`
	Domain     string  `json:"domain,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// NewAgentRuntimeClient creates a runtime client configured from the
// AGENT_RUNTIME_URL environment variable.
func NewAgentRuntimeClient() *AgentRuntimeClient {
	baseURL := os.Getenv("AGENT_RUNTIME_URL")
	if baseURL == "" {
		baseURL = "http://agent-runtime-service:8000"
		log.Printf("WARN: AGENT_RUNTIME_URL not set, defaulting to %s", baseURL)
	}

	settings := gobreaker.Settings{
		Name:        "agent-runtime",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s changed from %s to %s", name, from, to)
		},
	}

	return &AgentRuntimeClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		tracer:  otel.Tracer("agent-runtime-client"),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// SetBaseURL sets the base URL for testing purposes
func (c *AgentRuntimeClient) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// Invoke implements pipeline.Capability.
func (c *AgentRuntimeClient) Invoke(ctx context.Context, snapshot *pipeline.State, config map[string]interface{}) (pipeline.Result, error) {
	ctx, span := c.tracer.Start(ctx, "agent_runtime.invoke")
	defer span.End()

	task, _ := config["task"].(string)
	span.SetAttributes(attribute.String("task", task))

	req := AgentInvokeRequest{
		TraceID: uuid.New().String(),
		Task:    task,
		Config:  config,
		State:   snapshot.Values(),
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.invokeInternal(ctx, req)
	})
	if err != nil {
		span.RecordError(err)
		return pipeline.Result{}, fmt.Errorf("failed to invoke agent runtime: %w", err)
	}

	resp := result.(*AgentInvokeResponse)
	grounding := make([]pipeline.GroundingEvent, 0, len(resp.Grounding))
	for _, g := range resp.Grounding {
		grounding = append(grounding, pipeline.GroundingEvent{
			URL:        g.URL,
			Title:      g.Title,
			Domain:     g.Domain,
			Confidence: g.Confidence,
		})
	}
	span.SetAttributes(attribute.Int("grounding_events", len(grounding)))

	return pipeline.Result{Output: resp.Output, Grounding: grounding}, nil
}

// invokeInternal performs the actual HTTP request
func (c *AgentRuntimeClient) invokeInternal(ctx context.Context, req AgentInvokeRequest) (*AgentInvokeResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/agent-runtime/invoke", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("agent runtime returned status %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("agent runtime returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var invokeResp AgentInvokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&invokeResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if invokeResp.Error != "" {
		return nil, fmt.Errorf("agent runtime reported failure: %s", invokeResp.Error)
	}

	return &invokeResp, nil
}

// IsHealthy checks if the agent runtime service is healthy
func (c *AgentRuntimeClient) IsHealthy(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "agent_runtime.health_check")
	defer span.End()

	if c.breaker.State() == gobreaker.StateOpen {
		span.SetAttributes(attribute.Bool("healthy", false), attribute.String("reason", "circuit_breaker_open"))
		return false
	}

	url := fmt.Sprintf("%s/health", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		span.RecordError(err)
		return false
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return false
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode == http.StatusOK
	span.SetAttributes(attribute.Bool("healthy", healthy))

	return healthy
}
