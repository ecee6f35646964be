package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voxa-ai/voxa/internal/identity"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
	llmmock "github.com/voxa-ai/voxa/pkg/provider/llm/mock"
)

// fixedCeilings maps tiers to static output-token caps.
type fixedCeilings struct {
	free, paid int
}

func (c fixedCeilings) MaxOutputTokens(tier identity.Tier) int {
	if tier == identity.TierPaid {
		return c.paid
	}
	return c.free
}

// noSleep replaces the backoff sleeper so retry tests run instantly.
func noSleep(g *Gateway) {
	g.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
}

func userSays(text string) []llm.Message {
	return []llm.Message{{Role: "user", Content: text}}
}

func TestChat_Success(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{{
			Content: "hello",
			Usage:   llm.Usage{PromptTokens: 12, CompletionTokens: 3},
		}},
	}
	g := NewGateway(p, "openai", "gpt-4o", nil)

	res, err := g.Chat(context.Background(), userSays("hi"), nil, Options{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Text != "hello" {
		t.Errorf("Text = %q", res.Text)
	}
	want := Meta{Provider: "openai", Model: "gpt-4o", PromptTokens: 12, CompletionTokens: 3, Attempts: 1}
	if res.Meta != want {
		t.Errorf("Meta = %+v, want %+v", res.Meta, want)
	}
}

func TestChat_TierCeilingAppliesToRequest(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{{Content: "ok"}},
	}
	g := NewGateway(p, "openai", "gpt-4o", fixedCeilings{free: 150, paid: 4096})

	if _, err := g.Chat(context.Background(), userSays("hi"), nil, Options{Tier: identity.TierFree}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got := p.CompleteCalls[0].Req.MaxTokens; got != 150 {
		t.Errorf("free MaxTokens = %d, want 150", got)
	}

	if _, err := g.Chat(context.Background(), userSays("hi"), nil, Options{Tier: identity.TierPaid}); err != nil {
		t.Fatalf("Chat paid: %v", err)
	}
	if got := p.CompleteCalls[1].Req.MaxTokens; got != 4096 {
		t.Errorf("paid MaxTokens = %d, want 4096", got)
	}

	// A smaller per-call override wins over the ceiling.
	if _, err := g.Chat(context.Background(), userSays("hi"), nil, Options{Tier: identity.TierPaid, MaxTokens: 64}); err != nil {
		t.Fatalf("Chat override: %v", err)
	}
	if got := p.CompleteCalls[2].Req.MaxTokens; got != 64 {
		t.Errorf("override MaxTokens = %d, want 64", got)
	}
}

func TestChat_RetriesTransient(t *testing.T) {
	t.Parallel()
	calls := 0
	var mu sync.Mutex
	p := &llmmock.Provider{
		CompleteFn: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls < 3 {
				return nil, fmt.Errorf("backend: %w", llm.ErrTransient)
			}
			return &llm.CompletionResponse{Content: "third time lucky"}, nil
		},
	}
	g := NewGateway(p, "openai", "gpt-4o", nil)
	noSleep(g)

	res, err := g.Chat(context.Background(), userSays("hi"), nil, Options{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Text != "third time lucky" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Meta.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Meta.Attempts)
	}
}

func TestChat_TransientExhaustsAttempts(t *testing.T) {
	t.Parallel()
	calls := 0
	var mu sync.Mutex
	p := &llmmock.Provider{
		CompleteFn: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil, fmt.Errorf("backend: %w", llm.ErrTransient)
		},
	}
	g := NewGateway(p, "openai", "gpt-4o", nil)
	noSleep(g)

	_, err := g.Chat(context.Background(), userSays("hi"), nil, Options{})
	if !errors.Is(err, llm.ErrTransient) {
		t.Fatalf("err = %v, want wrapped ErrTransient", err)
	}
	if calls != 3 {
		t.Errorf("provider called %d times, want 3", calls)
	}
}

func TestChat_NonRetryableSurfacesImmediately(t *testing.T) {
	t.Parallel()
	authErr := errors.New("backend: invalid api key")
	calls := 0
	var mu sync.Mutex
	p := &llmmock.Provider{
		CompleteFn: func(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil, authErr
		},
	}
	g := NewGateway(p, "openai", "gpt-4o", nil)
	noSleep(g)

	_, err := g.Chat(context.Background(), userSays("hi"), nil, Options{})
	if !errors.Is(err, authErr) {
		t.Fatalf("err = %v, want auth error", err)
	}
	if calls != 1 {
		t.Errorf("provider called %d times, want 1", calls)
	}
}

func TestChat_Overloaded(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	p := &llmmock.Provider{
		CompleteFn: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			select {
			case <-release:
				return &llm.CompletionResponse{Content: "done"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	g := NewGateway(p, "openai", "gpt-4o", nil,
		WithMaxInFlight(1),
		WithAdmissionWait(30*time.Millisecond),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = g.Chat(context.Background(), userSays("hold the slot"), nil, Options{})
	}()

	// Give the first call time to occupy the only slot.
	time.Sleep(50 * time.Millisecond)
	_, err := g.Chat(context.Background(), userSays("rejected"), nil, Options{})
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("err = %v, want ErrOverloaded", err)
	}

	close(release)
	wg.Wait()
}

func TestChat_ToolCallsPassThrough(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{
		CompleteResponses: []*llm.CompletionResponse{{
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "get_weather", Arguments: `{"location":"Warsaw"}`}},
		}},
	}
	g := NewGateway(p, "openai", "gpt-4o", nil)

	res, err := g.Chat(context.Background(), userSays("weather?"), []llm.ToolDefinition{{Name: "get_weather"}}, Options{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "get_weather" {
		t.Fatalf("ToolCalls = %v", res.ToolCalls)
	}
	if len(p.CompleteCalls[0].Req.Tools) != 1 {
		t.Error("tool definitions were not forwarded to the provider")
	}
}
