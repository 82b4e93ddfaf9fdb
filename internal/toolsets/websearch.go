// ABOUTME: Web search toolset backed by a neural search API.
// ABOUTME: Exposes search, find_similar, and contents tools over HTTP.

package toolsets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/toolgate/internal/store"
)

// TypeWebSearch is the type name users reference when creating an
// instance of the built-in web search toolset.
const TypeWebSearch = "builtin-web-search"

const defaultSearchBaseURL = "https://api.exa.ai"

// WebSearch creates the web search toolset. An empty baseURL selects
// the default provider endpoint.
func WebSearch(baseURL string) *Toolset {
	if baseURL == "" {
		baseURL = defaultSearchBaseURL
	}
	w := &webSearchHandlers{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	return &Toolset{
		Type: TypeWebSearch,
		Tools: []*Tool{
			{
				Schema: store.ToolSchema{
					Name:        "search",
					Description: "Search the web for pages matching a query",
					InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"num_results":{"type":"integer"}},"required":["query"]}`),
				},
				Handler: w.Search,
			},
			{
				Schema: store.ToolSchema{
					Name:        "find_similar",
					Description: "Find pages similar to a given URL",
					InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"},"num_results":{"type":"integer"}},"required":["url"]}`),
				},
				Handler: w.FindSimilar,
			},
			{
				Schema: store.ToolSchema{
					Name:        "contents",
					Description: "Fetch the text contents of previously returned result ids",
					InputSchema: json.RawMessage(`{"type":"object","properties":{"ids":{"type":"array","items":{"type":"string"}}},"required":["ids"]}`),
				},
				Handler: w.Contents,
			},
		},
	}
}

type webSearchHandlers struct {
	baseURL string
	client  *http.Client
}

type searchInput struct {
	Query      string `json:"query"`
	NumResults int    `json:"num_results"`
}

func (w *webSearchHandlers) Search(ctx context.Context, apiKey string, input json.RawMessage) (json.RawMessage, error) {
	var in searchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if in.NumResults <= 0 {
		in.NumResults = 10
	}

	return w.post(ctx, apiKey, "/search", map[string]any{
		"query":      in.Query,
		"numResults": in.NumResults,
	})
}

type findSimilarInput struct {
	URL        string `json:"url"`
	NumResults int    `json:"num_results"`
}

func (w *webSearchHandlers) FindSimilar(ctx context.Context, apiKey string, input json.RawMessage) (json.RawMessage, error) {
	var in findSimilarInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if in.NumResults <= 0 {
		in.NumResults = 10
	}

	return w.post(ctx, apiKey, "/findSimilar", map[string]any{
		"url":        in.URL,
		"numResults": in.NumResults,
	})
}

type contentsInput struct {
	IDs []string `json:"ids"`
}

func (w *webSearchHandlers) Contents(ctx context.Context, apiKey string, input json.RawMessage) (json.RawMessage, error) {
	var in contentsInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if len(in.IDs) == 0 {
		return nil, fmt.Errorf("ids is required")
	}

	return w.post(ctx, apiKey, "/contents", map[string]any{
		"ids": in.IDs,
	})
}

func (w *webSearchHandlers) post(ctx context.Context, apiKey, path string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading provider response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search provider returned %d: %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}
