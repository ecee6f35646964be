package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voxa-ai/voxa/internal/dispatch"
	"github.com/voxa-ai/voxa/internal/gateway"
	"github.com/voxa-ai/voxa/internal/identity"
	"github.com/voxa-ai/voxa/internal/memory"
	"github.com/voxa-ai/voxa/internal/ratelimit"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

// fakeRunner replays one scripted dispatch result or error.
type fakeRunner struct {
	result *dispatch.RunResult
	err    error

	lastMessages []llm.Message
	lastSchemas  []llm.ToolDefinition
}

func (r *fakeRunner) Run(_ context.Context, _, _ string, _ identity.Tier, messages []llm.Message, schemas []llm.ToolDefinition, _ gateway.Options) (*dispatch.RunResult, error) {
	r.lastMessages = messages
	r.lastSchemas = schemas
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

// fakeSchemas serves a static tool list.
type fakeSchemas struct {
	defs []llm.ToolDefinition
	err  error
}

func (s *fakeSchemas) SchemasFor(context.Context, string, identity.Tier) ([]llm.ToolDefinition, error) {
	return s.defs, s.err
}

// fakeModel reports static capabilities.
type fakeModel struct{}

func (fakeModel) Capabilities() llm.ModelCapabilities {
	return llm.ModelCapabilities{ContextWindow: 8192, SupportsToolCalling: true}
}
func (fakeModel) Model() string { return "gpt-4o" }

type fixture struct {
	orch    *Orchestrator
	memory  *memory.Manager
	store   *memory.MemStore
	runner  *fakeRunner
	limiter *ratelimit.Limiter
	counter *ratelimit.MemCounterStore
}

func newFixture(t *testing.T, runner *fakeRunner, limits ratelimit.Limits) *fixture {
	t.Helper()
	store := memory.NewMemStore()
	mgr := memory.NewManager(store)
	t.Cleanup(mgr.Close)

	counter := ratelimit.NewMemCounterStore()
	limiter := ratelimit.NewLimiter(counter,
		ratelimit.WithWindow(time.Hour),
		ratelimit.WithFreeLimits(limits),
	)

	orch := NewOrchestrator(mgr, &fakeSchemas{}, runner, fakeModel{}, limiter)
	return &fixture{orch: orch, memory: mgr, store: store, runner: runner, limiter: limiter, counter: counter}
}

func freeUser() identity.User {
	return identity.User{ID: "u1", Email: "u1@example.com", Tier: identity.TierFree}
}

func assistantSays(text string, tokens int) *dispatch.RunResult {
	return &dispatch.RunResult{
		Text:       text,
		Transcript: []llm.Message{{Role: "assistant", Content: text}},
		Meta:       gateway.Meta{Provider: "openai", Model: "gpt-4o", PromptTokens: 50, CompletionTokens: tokens},
	}
}

func TestHandleQuery_Success(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runner := &fakeRunner{result: assistantSays("hello!", 7)}
	f := newFixture(t, runner, ratelimit.Limits{RequestsPerWindow: 10, TokensPerWindow: 1000})

	reply, err := f.orch.HandleQuery(ctx, freeUser(), "s1", "hi there")
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if reply.Text != "hello!" {
		t.Errorf("Text = %q", reply.Text)
	}
	if reply.Meta.Model != "gpt-4o" || reply.Meta.FromFallback {
		t.Errorf("Meta = %+v", reply.Meta)
	}

	// Both the user turn and the assistant turn are persisted.
	turns, err := f.memory.UserHistory(ctx, "u1", time.Time{}, 10)
	if err != nil {
		t.Fatalf("UserHistory: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("persisted %d turns, want 2", len(turns))
	}
	if turns[0].Role != memory.RoleAssistant || turns[1].Role != memory.RoleUser {
		t.Errorf("turn roles = %s, %s", turns[0].Role, turns[1].Role)
	}

	// Completion tokens are metered.
	n, err := f.counter.CountSince(ctx, "u1", ratelimit.KindTokens, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if n != 7 {
		t.Errorf("metered tokens = %d, want 7", n)
	}
}

func TestHandleQuery_UserTurnReachesModel(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{result: assistantSays("ok", 1)}
	f := newFixture(t, runner, ratelimit.Limits{})

	if _, err := f.orch.HandleQuery(context.Background(), freeUser(), "s1", "what's the time?"); err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}

	last := runner.lastMessages[len(runner.lastMessages)-1]
	if last.Role != "user" || last.Content != "what's the time?" {
		t.Errorf("last message = %+v", last)
	}
}

func TestHandleQuery_RateLimited(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runner := &fakeRunner{result: assistantSays("ok", 1)}
	f := newFixture(t, runner, ratelimit.Limits{RequestsPerWindow: 1})

	if _, err := f.orch.HandleQuery(ctx, freeUser(), "s1", "first"); err != nil {
		t.Fatalf("first query: %v", err)
	}

	_, err := f.orch.HandleQuery(ctx, freeUser(), "s1", "second")
	var limited *ratelimit.RateLimited
	if !errors.As(err, &limited) {
		t.Fatalf("err = %v, want *RateLimited", err)
	}
}

func TestHandleQuery_FallbackOnModelFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runner := &fakeRunner{err: errors.New("all providers failed")}
	f := newFixture(t, runner, ratelimit.Limits{TokensPerWindow: 1000})

	reply, err := f.orch.HandleQuery(ctx, freeUser(), "s1", "hi")
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if !reply.Meta.FromFallback {
		t.Fatal("FromFallback = false")
	}
	if reply.Text == "" {
		t.Fatal("empty fallback text")
	}

	// Fallback replies are free of charge.
	n, err := f.counter.CountSince(ctx, "u1", ratelimit.KindTokens, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountSince: %v", err)
	}
	if n != 0 {
		t.Errorf("metered tokens = %d, want 0", n)
	}
}

func TestHandleQuery_OverloadPropagates(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{err: gateway.ErrOverloaded}
	f := newFixture(t, runner, ratelimit.Limits{})

	if _, err := f.orch.HandleQuery(context.Background(), freeUser(), "s1", "hi"); !errors.Is(err, gateway.ErrOverloaded) {
		t.Fatalf("err = %v, want ErrOverloaded", err)
	}
}

func TestHandleQuery_ToolTranscriptPersisted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runner := &fakeRunner{result: &dispatch.RunResult{
		Text: "it's sunny",
		Transcript: []llm.Message{
			{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "get_weather"}}},
			{Role: "tool", Name: "get_weather", ToolCallID: "c1", Content: `{"temp":21}`},
			{Role: "assistant", Content: "it's sunny"},
		},
		UsedTools: []dispatch.UsedTool{{Name: "get_weather", OK: true}},
		Meta:      gateway.Meta{Model: "gpt-4o", CompletionTokens: 4},
	}}
	f := newFixture(t, runner, ratelimit.Limits{})

	reply, err := f.orch.HandleQuery(ctx, freeUser(), "s1", "weather?")
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if len(reply.Meta.UsedTools) != 1 || reply.Meta.UsedTools[0].Name != "get_weather" {
		t.Errorf("UsedTools = %+v", reply.Meta.UsedTools)
	}

	turns, err := f.memory.UserHistory(ctx, "u1", time.Time{}, 10)
	if err != nil {
		t.Fatalf("UserHistory: %v", err)
	}
	// user turn + 3 transcript turns, newest first.
	if len(turns) != 4 {
		t.Fatalf("persisted %d turns, want 4", len(turns))
	}
	var toolTurn *memory.Turn
	for i := range turns {
		if turns[i].Role == memory.RoleTool {
			toolTurn = &turns[i]
		}
	}
	if toolTurn == nil || toolTurn.ToolName != "get_weather" || toolTurn.ToolCallID != "c1" {
		t.Errorf("tool turn = %+v", toolTurn)
	}
}

// fakeChatter replays one scripted extraction reply and records the request.
type fakeChatter struct {
	reply string
	err   error

	lastMessages []llm.Message
	lastOpts     gateway.Options
}

func (c *fakeChatter) Chat(_ context.Context, messages []llm.Message, _ []llm.ToolDefinition, opts gateway.Options) (*gateway.Result, error) {
	c.lastMessages = messages
	c.lastOpts = opts
	if c.err != nil {
		return nil, c.err
	}
	return &gateway.Result{Text: c.reply}, nil
}

func TestHandleQuery_ExtractsFacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runner := &fakeRunner{result: assistantSays("Nice to meet you, Ada!", 3)}
	f := newFixture(t, runner, ratelimit.Limits{})
	chat := &fakeChatter{reply: "0.9|The user's name is Ada.\n0.7|The user lives in Warsaw."}
	WithFactChatter(chat)(f.orch)

	if _, err := f.orch.HandleQuery(ctx, freeUser(), "s1", "Hi, my name is Ada and I live in Warsaw."); err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}

	// The extraction pass sees both sides of the exchange.
	if len(chat.lastMessages) != 1 {
		t.Fatalf("extraction messages = %+v", chat.lastMessages)
	}
	excerpt := chat.lastMessages[0].Content
	if !strings.Contains(excerpt, "my name is Ada") || !strings.Contains(excerpt, "Nice to meet you") {
		t.Errorf("excerpt = %q", excerpt)
	}
	if chat.lastOpts.SystemPrompt == "" {
		t.Error("extraction ran without a system prompt")
	}

	facts, err := f.memory.SearchFacts(ctx, "u1", "name", 10)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	found := false
	for _, fa := range facts {
		if strings.Contains(fa.Text, "Ada") {
			found = true
		}
	}
	if !found {
		t.Errorf("name fact missing, got %+v", facts)
	}
}

func TestHandleQuery_FactExtractionFailureDoesNotFailReply(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{result: assistantSays("ok", 1)}
	f := newFixture(t, runner, ratelimit.Limits{})
	WithFactChatter(&fakeChatter{err: errors.New("provider down")})(f.orch)

	reply, err := f.orch.HandleQuery(context.Background(), freeUser(), "s1", "hi")
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if reply.Text != "ok" {
		t.Errorf("Text = %q", reply.Text)
	}
}

func TestParseFacts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		reply string
		want  []extractedFact
	}{
		{
			name:  "two facts",
			reply: "0.9|The user's name is Ada.\n0.5|The user prefers tea.",
			want: []extractedFact{
				{text: "The user's name is Ada.", importance: 0.9},
				{text: "The user prefers tea.", importance: 0.5},
			},
		},
		{
			name:  "none sentinel",
			reply: "none",
			want:  nil,
		},
		{
			name:  "importance clamped",
			reply: "1.7|The user is allergic to peanuts.\n-0.3|The user said hello.",
			want: []extractedFact{
				{text: "The user is allergic to peanuts.", importance: 1},
				{text: "The user said hello.", importance: 0},
			},
		},
		{
			name:  "garbage lines skipped",
			reply: "Sure! Here are the facts:\n0.8|The user works at Initech.\nnot-a-number|ignored\n0.4|",
			want: []extractedFact{
				{text: "The user works at Initech.", importance: 0.8},
			},
		},
		{
			name:  "blank reply",
			reply: "\n\n",
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseFacts(tt.reply)
			if len(got) != len(tt.want) {
				t.Fatalf("parseFacts(%q) = %+v, want %+v", tt.reply, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseFacts(%q)[%d] = %+v, want %+v", tt.reply, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSubmitThenComplete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runner := &fakeRunner{result: assistantSays("hello!", 2)}
	f := newFixture(t, runner, ratelimit.Limits{RequestsPerWindow: 10})

	sub, err := f.orch.Submit(ctx, freeUser(), "s1", "hi there")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The user turn is persisted by Submit, before completion runs.
	turns, err := f.memory.UserHistory(ctx, "u1", time.Time{}, 10)
	if err != nil {
		t.Fatalf("UserHistory: %v", err)
	}
	if len(turns) != 1 || turns[0].Role != memory.RoleUser {
		t.Fatalf("turns after Submit = %+v", turns)
	}

	reply, err := f.orch.Complete(ctx, sub)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if reply.Text != "hello!" {
		t.Errorf("Text = %q", reply.Text)
	}
}

func TestSubmit_RateLimitedBeforePersisting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	runner := &fakeRunner{result: assistantSays("ok", 1)}
	f := newFixture(t, runner, ratelimit.Limits{RequestsPerWindow: 1})

	if _, err := f.orch.HandleQuery(ctx, freeUser(), "s1", "first"); err != nil {
		t.Fatalf("first query: %v", err)
	}
	if _, err := f.orch.Submit(ctx, freeUser(), "s1", "second"); err == nil {
		t.Fatal("Submit admitted past the limit")
	}

	turns, err := f.memory.UserHistory(ctx, "u1", time.Time{}, 10)
	if err != nil {
		t.Fatalf("UserHistory: %v", err)
	}
	for _, tn := range turns {
		if tn.Content == "second" {
			t.Fatal("rejected turn was persisted")
		}
	}
}

func TestHandleQuery_SchemasFailureDegradesToNoTools(t *testing.T) {
	t.Parallel()
	runner := &fakeRunner{result: assistantSays("ok", 1)}
	f := newFixture(t, runner, ratelimit.Limits{})
	f.orch.plugins = &fakeSchemas{err: errors.New("store down")}

	if _, err := f.orch.HandleQuery(context.Background(), freeUser(), "s1", "hi"); err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if runner.lastSchemas != nil {
		t.Errorf("schemas = %v, want nil", runner.lastSchemas)
	}
}
