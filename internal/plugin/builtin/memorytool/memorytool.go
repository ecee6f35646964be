// Package memorytool provides the built-in "memorytool" plugin, which lets
// the model read and write the calling user's long-term memory.
//
// Two tools are exported via [NewPlugin]:
//   - "remember_fact" — store a durable fact about the user.
//   - "recall_facts"  — search the user's stored facts.
//
// Every call operates strictly on the invoking user's memory; the user
// identity comes from the invocation context, never from tool arguments.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voxa-ai/voxa/internal/memory"
	"github.com/voxa-ai/voxa/internal/plugin"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

// rememberFactArgs is the JSON-decoded input for the "remember_fact" tool.
type rememberFactArgs struct {
	// Text is the fact to store, phrased as a standalone statement.
	Text string `json:"text"`

	// Importance weights the fact for retrieval ranking, 0.0 to 1.0.
	// Defaults to 0.5 when omitted.
	Importance float64 `json:"importance,omitempty"`
}

// recallFactsArgs is the JSON-decoded input for the "recall_facts" tool.
type recallFactsArgs struct {
	// Query is the search string matched against stored facts.
	Query string `json:"query"`

	// TopK caps the number of results. Defaults to 5 when ≤ 0.
	TopK int `json:"top_k,omitempty"`
}

// recalledFact is one entry in the "recall_facts" output.
type recalledFact struct {
	Text       string  `json:"text"`
	Importance float64 `json:"importance"`
}

// defaultTopK is the result limit when TopK is not provided.
const defaultTopK = 5

// NewPlugin builds the memorytool plugin descriptor over the given memory
// manager.
func NewPlugin(mgr *memory.Manager) plugin.Descriptor {
	return plugin.Descriptor{
		Name:        "memorytool",
		Version:     "1.0.0",
		Description: "Stores and recalls durable facts about the user.",
		Functions: []plugin.Function{
			{
				Definition: llm.ToolDefinition{
					Name:        "remember_fact",
					Description: "Store a durable fact about the user for future conversations, e.g. their name, preferences, or recurring topics. Phrase the fact as a standalone statement.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"text": map[string]any{
								"type":        "string",
								"description": "The fact to remember, e.g. \"The user's cat is called Misha\".",
							},
							"importance": map[string]any{
								"type":        "number",
								"description": "Retrieval weight between 0.0 and 1.0. Use higher values for identity-level facts.",
							},
						},
						"required": []string{"text"},
					},
				},
				Handler: makeRememberHandler(mgr),
			},
			{
				Definition: llm.ToolDefinition{
					Name:        "recall_facts",
					Description: "Search the user's stored facts. Use when the user refers to something they told you in an earlier conversation.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"query": map[string]any{
								"type":        "string",
								"description": "Search string, e.g. \"cat name\".",
							},
							"top_k": map[string]any{
								"type":        "integer",
								"description": "Maximum number of facts to return.",
							},
						},
						"required": []string{"query"},
					},
				},
				Handler: makeRecallHandler(mgr),
			},
		},
	}
}

func makeRememberHandler(mgr *memory.Manager) plugin.Handler {
	return func(ctx context.Context, call plugin.Call) (string, error) {
		var a rememberFactArgs
		if err := json.Unmarshal([]byte(call.Args), &a); err != nil {
			return "", fmt.Errorf("memorytool: parse arguments: %w", err)
		}
		if a.Text == "" {
			return "", fmt.Errorf("memorytool: text must not be empty")
		}
		if a.Importance <= 0 {
			a.Importance = 0.5
		}
		if a.Importance > 1 {
			a.Importance = 1
		}

		fact, err := mgr.AddFact(ctx, call.UserID, a.Text, a.Importance, "")
		if err != nil {
			return "", fmt.Errorf("memorytool: store fact: %w", err)
		}

		out, err := json.Marshal(map[string]string{"stored": fact.Text})
		if err != nil {
			return "", fmt.Errorf("memorytool: encode result: %w", err)
		}
		return string(out), nil
	}
}

func makeRecallHandler(mgr *memory.Manager) plugin.Handler {
	return func(ctx context.Context, call plugin.Call) (string, error) {
		var a recallFactsArgs
		if err := json.Unmarshal([]byte(call.Args), &a); err != nil {
			return "", fmt.Errorf("memorytool: parse arguments: %w", err)
		}
		if a.Query == "" {
			return "", fmt.Errorf("memorytool: query must not be empty")
		}
		if a.TopK <= 0 {
			a.TopK = defaultTopK
		}

		facts, err := mgr.SearchFacts(ctx, call.UserID, a.Query, a.TopK)
		if err != nil {
			return "", fmt.Errorf("memorytool: search facts: %w", err)
		}

		results := make([]recalledFact, 0, len(facts))
		for _, f := range facts {
			results = append(results, recalledFact{Text: f.Text, Importance: f.Importance})
		}
		out, err := json.Marshal(map[string]any{"facts": results})
		if err != nil {
			return "", fmt.Errorf("memorytool: encode result: %w", err)
		}
		return string(out), nil
	}
}
