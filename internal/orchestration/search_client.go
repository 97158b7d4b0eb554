package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/pipeline-orchestrator/internal/pipeline"
)

// SearchClient is the web-search capability consumed by research leaves. Each
// result becomes both output content and a grounding event for the source
// manager.
type SearchClient struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
}

// SearchResult is one entry of a search backend response.
type SearchResult struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet,omitempty"`
	Domain  string  `json:"domain,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

// NewSearchClient creates a search client configured from the SEARCH_API_URL
// environment variable.
func NewSearchClient() *SearchClient {
	baseURL := os.Getenv("SEARCH_API_URL")
	if baseURL == "" {
		baseURL = "http://search-service:8002"
		log.Printf("WARN: SEARCH_API_URL not set, defaulting to %s", baseURL)
	}

	return &SearchClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tracer: otel.Tracer("search-client"),
	}
}

// SetBaseURL sets the base URL for testing purposes
func (c *SearchClient) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// Invoke implements pipeline.Capability. The query is taken from the leaf's
// config: either a literal "query", or a "query_key" naming the state key an
// earlier stage wrote the query under.
func (c *SearchClient) Invoke(ctx context.Context, snapshot *pipeline.State, config map[string]interface{}) (pipeline.Result, error) {
	ctx, span := c.tracer.Start(ctx, "search.invoke")
	defer span.End()

	query, err := searchQuery(snapshot, config)
	if err != nil {
		span.RecordError(err)
		return pipeline.Result{}, err
	}
	span.SetAttributes(attribute.String("query", query))

	results, err := c.search(ctx, query)
	if err != nil {
		span.RecordError(err)
		return pipeline.Result{}, err
	}
	span.SetAttributes(attribute.Int("result_count", len(results)))

	grounding := make([]pipeline.GroundingEvent, 0, len(results))
	for _, r := range results {
		grounding = append(grounding, pipeline.GroundingEvent{
			URL:        r.URL,
			Title:      r.Title,
			Domain:     r.Domain,
			Confidence: r.Score,
		})
	}

	return pipeline.Result{Output: results, Grounding: grounding}, nil
}

func searchQuery(snapshot *pipeline.State, config map[string]interface{}) (string, error) {
	if q, ok := config["query"].(string); ok && q != "" {
		return q, nil
	}
	if key, ok := config["query_key"].(string); ok && key != "" {
		v, err := snapshot.Require(key)
		if err != nil {
			return "", err
		}
		if q, ok := v.(string); ok && q != "" {
			return q, nil
		}
		return "", fmt.Errorf("state key %q does not hold a search query", key)
	}
	return "", fmt.Errorf("search leaf config requires query or query_key")
}

func (c *SearchClient) search(ctx context.Context, query string) ([]SearchResult, error) {
	endpoint := fmt.Sprintf("%s/search?q=%s", c.baseURL, url.QueryEscape(query))
	httpReq, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("search backend returned status %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("search backend returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return decoded.Results, nil
}
