// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the gateway and dispatcher send
// correct CompletionRequests and to feed controlled responses without a live
// LLM backend.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResponses: []*llm.CompletionResponse{{Content: "Hello!"}},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
//
// Complete consumes CompleteResponses in order; when the script is exhausted
// the last entry is repeated. Set CompleteErrs to inject errors positionally
// (a nil entry means no error at that call index). Zero values cause methods
// to return zero values with nil errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// CompleteResponses is the scripted sequence of responses returned by
	// Complete. When empty, Complete returns an empty response.
	CompleteResponses []*llm.CompletionResponse

	// CompleteErrs optionally injects an error for the i-th Complete call.
	// Entries beyond the slice length mean no error.
	CompleteErrs []error

	// CompleteFn, when non-nil, overrides the scripted behaviour entirely.
	CompleteFn func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// TokenCount is returned by CountTokens when CountTokensFn is nil.
	TokenCount int

	// CountTokensFn, when non-nil, overrides TokenCount.
	CountTokensFn func(messages []llm.Message) (int, error)

	// Caps is returned by Capabilities.
	Caps llm.ModelCapabilities

	// --- Call records (read after test) ---

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Compile-time interface assertion.
var _ llm.Provider = (*Provider)(nil)

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	idx := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn := p.CompleteFn
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if idx < len(p.CompleteErrs) && p.CompleteErrs[idx] != nil {
		return nil, p.CompleteErrs[idx]
	}
	if len(p.CompleteResponses) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	if idx >= len(p.CompleteResponses) {
		idx = len(p.CompleteResponses) - 1
	}
	return p.CompleteResponses[idx], nil
}

// CountTokens implements llm.Provider using the 4-chars-per-token heuristic
// unless TokenCount or CountTokensFn is set.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	if p.CountTokensFn != nil {
		return p.CountTokensFn(messages)
	}
	if p.TokenCount > 0 {
		return p.TokenCount, nil
	}
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	if p.Caps == (llm.ModelCapabilities{}) {
		return llm.ModelCapabilities{
			ContextWindow:       128_000,
			MaxOutputTokens:     4_096,
			SupportsToolCalling: true,
		}
	}
	return p.Caps
}

// Calls returns the number of Complete invocations so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}
