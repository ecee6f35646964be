// Package websearch provides the built-in "websearch" plugin, backed by the
// DuckDuckGo Instant Answer API. The plugin requires the paid tier.
//
// One tool is exported via [NewPlugin]:
//   - "web_search" — abstract, answer, and related topics for a query.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/voxa-ai/voxa/internal/identity"
	"github.com/voxa-ai/voxa/internal/plugin"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

const searchURL = "https://api.duckduckgo.com/"

// maxRelatedTopics caps how many related topics are included in a result.
const maxRelatedTopics = 5

// webSearchArgs is the JSON-decoded input for the "web_search" tool.
type webSearchArgs struct {
	// Query is the search string.
	Query string `json:"query"`
}

// webSearchResult is the JSON-encoded output of the "web_search" tool.
type webSearchResult struct {
	Query    string   `json:"query"`
	Answer   string   `json:"answer,omitempty"`
	Abstract string   `json:"abstract,omitempty"`
	Source   string   `json:"source,omitempty"`
	Related  []string `json:"related,omitempty"`
}

// Client performs the HTTP request. It exists so tests can stub the API.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewPlugin builds the websearch plugin descriptor. client may be nil, in
// which case a default HTTP client with a 5s timeout is used.
func NewPlugin(client Client) plugin.Descriptor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	return plugin.Descriptor{
		Name:         "websearch",
		Version:      "1.0.0",
		Description:  "Searches the web for factual answers.",
		TierRequired: identity.TierPaid,
		Functions: []plugin.Function{
			{
				Definition: llm.ToolDefinition{
					Name:        "web_search",
					Description: "Search the web for a factual answer. Best for definitions, people, places, and current facts the assistant does not know.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"query": map[string]any{
								"type":        "string",
								"description": "Search query.",
							},
						},
						"required": []string{"query"},
					},
				},
				Handler: makeSearchHandler(client),
			},
		},
	}
}

// apiResponse is the subset of the Instant Answer response we read.
type apiResponse struct {
	Answer        string `json:"Answer"`
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	RelatedTopics []struct {
		Text string `json:"Text"`
	} `json:"RelatedTopics"`
}

func makeSearchHandler(client Client) plugin.Handler {
	return func(ctx context.Context, call plugin.Call) (string, error) {
		var a webSearchArgs
		if err := json.Unmarshal([]byte(call.Args), &a); err != nil {
			return "", fmt.Errorf("websearch: parse arguments: %w", err)
		}
		if a.Query == "" {
			return "", fmt.Errorf("websearch: query must not be empty")
		}

		q := url.Values{
			"q":           {a.Query},
			"format":      {"json"},
			"no_redirect": {"1"},
			"no_html":     {"1"},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL+"?"+q.Encode(), nil)
		if err != nil {
			return "", fmt.Errorf("websearch: build request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("websearch: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("websearch: unexpected status %d", resp.StatusCode)
		}

		var api apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
			return "", fmt.Errorf("websearch: decode response: %w", err)
		}

		result := webSearchResult{
			Query:    a.Query,
			Answer:   api.Answer,
			Abstract: api.AbstractText,
			Source:   api.AbstractURL,
		}
		for _, t := range api.RelatedTopics {
			if t.Text == "" {
				continue
			}
			result.Related = append(result.Related, t.Text)
			if len(result.Related) == maxRelatedTopics {
				break
			}
		}

		out, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("websearch: encode result: %w", err)
		}
		return string(out), nil
	}
}
