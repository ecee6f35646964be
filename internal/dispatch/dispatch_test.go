package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxa-ai/voxa/internal/gateway"
	"github.com/voxa-ai/voxa/internal/identity"
	"github.com/voxa-ai/voxa/internal/plugin"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

// scriptedChatter returns canned gateway results in order. The last entry
// repeats when the script is exhausted.
type scriptedChatter struct {
	mu      sync.Mutex
	script  []*gateway.Result
	errs    []error
	calls   [][]llm.Message
	nextIdx int
}

func (c *scriptedChatter) Chat(_ context.Context, messages []llm.Message, _ []llm.ToolDefinition, _ gateway.Options) (*gateway.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)
	c.calls = append(c.calls, snapshot)

	idx := c.nextIdx
	if idx < len(c.errs) && c.errs[idx] != nil {
		c.nextIdx++
		return nil, c.errs[idx]
	}
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	c.nextIdx++
	return c.script[idx], nil
}

// fakeInvoker resolves tool calls from a function map.
type fakeInvoker struct {
	handlers map[string]func(ctx context.Context, args string) (string, error)
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeInvoker) Invoke(ctx context.Context, _, _ string, _ identity.Tier, function, args string) (*plugin.ToolResult, error) {
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	defer f.inFlight.Add(-1)

	h, ok := f.handlers[function]
	if !ok {
		return nil, plugin.ErrUnknownFunction
	}
	content, err := h(ctx, args)
	if err != nil {
		return nil, err
	}
	return &plugin.ToolResult{Plugin: "test", Name: function, Content: content, DurationMs: 1}, nil
}

func textResult(text string) *gateway.Result {
	return &gateway.Result{Text: text, Meta: gateway.Meta{Provider: "mock", Model: "m", PromptTokens: 10, CompletionTokens: 5}}
}

func toolResult(calls ...llm.ToolCall) *gateway.Result {
	return &gateway.Result{ToolCalls: calls, Meta: gateway.Meta{Provider: "mock", Model: "m", PromptTokens: 10, CompletionTokens: 5}}
}

func TestRun_PlainTextReply(t *testing.T) {
	t.Parallel()
	chat := &scriptedChatter{script: []*gateway.Result{textResult("hello there")}}
	d := NewDispatcher(chat, &fakeInvoker{})

	res, err := d.Run(context.Background(), "u1", "s1", identity.TierFree,
		[]llm.Message{{Role: "user", Content: "hi"}}, nil, gateway.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "hello there" {
		t.Errorf("Text = %q", res.Text)
	}
	if len(res.Transcript) != 1 || res.Transcript[0].Role != "assistant" {
		t.Fatalf("Transcript = %v", res.Transcript)
	}
	if res.LoopExceeded {
		t.Error("LoopExceeded on a one-shot reply")
	}
	if res.Meta.PromptTokens != 10 || res.Meta.CompletionTokens != 5 {
		t.Errorf("Meta = %+v", res.Meta)
	}
}

func TestRun_SingleToolCall(t *testing.T) {
	t.Parallel()
	chat := &scriptedChatter{script: []*gateway.Result{
		toolResult(llm.ToolCall{ID: "c1", Name: "lookup", Arguments: `{"q":"x"}`}),
		textResult("the answer is 42"),
	}}
	inv := &fakeInvoker{handlers: map[string]func(context.Context, string) (string, error){
		"lookup": func(context.Context, string) (string, error) { return `{"answer":42}`, nil },
	}}
	d := NewDispatcher(chat, inv)

	res, err := d.Run(context.Background(), "u1", "s1", identity.TierFree,
		[]llm.Message{{Role: "user", Content: "what is x?"}}, nil, gateway.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "the answer is 42" {
		t.Errorf("Text = %q", res.Text)
	}

	// Transcript: assistant tool-call, tool result, final assistant text.
	if len(res.Transcript) != 3 {
		t.Fatalf("Transcript length = %d", len(res.Transcript))
	}
	if res.Transcript[1].Role != "tool" || res.Transcript[1].ToolCallID != "c1" {
		t.Errorf("tool message = %+v", res.Transcript[1])
	}
	if res.Transcript[1].Content != `{"answer":42}` {
		t.Errorf("tool content = %q", res.Transcript[1].Content)
	}

	if len(res.UsedTools) != 1 || !res.UsedTools[0].OK || res.UsedTools[0].Name != "lookup" {
		t.Errorf("UsedTools = %+v", res.UsedTools)
	}

	// Token usage accumulates across both model calls.
	if res.Meta.PromptTokens != 20 || res.Meta.CompletionTokens != 10 {
		t.Errorf("Meta = %+v", res.Meta)
	}

	// The second model call must see the tool result.
	second := chat.calls[1]
	if second[len(second)-1].Role != "tool" {
		t.Errorf("second call's last message = %+v", second[len(second)-1])
	}
}

func TestRun_ParallelCallsOrderedReassembly(t *testing.T) {
	t.Parallel()
	chat := &scriptedChatter{script: []*gateway.Result{
		toolResult(
			llm.ToolCall{ID: "c1", Name: "slow", Arguments: `{}`},
			llm.ToolCall{ID: "c2", Name: "fast", Arguments: `{}`},
		),
		textResult("done"),
	}}
	inv := &fakeInvoker{handlers: map[string]func(context.Context, string) (string, error){
		"slow": func(ctx context.Context, _ string) (string, error) {
			time.Sleep(40 * time.Millisecond)
			return "slow result", nil
		},
		"fast": func(context.Context, string) (string, error) { return "fast result", nil },
	}}
	d := NewDispatcher(chat, inv)

	res, err := d.Run(context.Background(), "u1", "s1", identity.TierFree,
		[]llm.Message{{Role: "user", Content: "go"}}, nil, gateway.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Results come back in declared order regardless of completion order.
	if res.Transcript[1].ToolCallID != "c1" || res.Transcript[1].Content != "slow result" {
		t.Errorf("first tool message = %+v", res.Transcript[1])
	}
	if res.Transcript[2].ToolCallID != "c2" || res.Transcript[2].Content != "fast result" {
		t.Errorf("second tool message = %+v", res.Transcript[2])
	}
}

func TestRun_FanOutCap(t *testing.T) {
	t.Parallel()
	calls := make([]llm.ToolCall, 8)
	for i := range calls {
		calls[i] = llm.ToolCall{ID: string(rune('a' + i)), Name: "busy", Arguments: `{}`}
	}
	chat := &scriptedChatter{script: []*gateway.Result{toolResult(calls...), textResult("done")}}
	inv := &fakeInvoker{handlers: map[string]func(context.Context, string) (string, error){
		"busy": func(ctx context.Context, _ string) (string, error) {
			time.Sleep(20 * time.Millisecond)
			return "ok", nil
		},
	}}
	d := NewDispatcher(chat, inv, WithFanOut(2))

	if _, err := d.Run(context.Background(), "u1", "s1", identity.TierFree,
		[]llm.Message{{Role: "user", Content: "go"}}, nil, gateway.Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak := inv.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestRun_ToolFailureFedBackToModel(t *testing.T) {
	t.Parallel()
	chat := &scriptedChatter{script: []*gateway.Result{
		toolResult(llm.ToolCall{ID: "c1", Name: "flaky", Arguments: `{}`}),
		textResult("sorry, the tool is broken"),
	}}
	inv := &fakeInvoker{handlers: map[string]func(context.Context, string) (string, error){
		"flaky": func(context.Context, string) (string, error) {
			return "", errors.New("wrapped by registry")
		},
	}}
	d := NewDispatcher(chat, inv)

	res, err := d.Run(context.Background(), "u1", "s1", identity.TierFree,
		[]llm.Message{{Role: "user", Content: "go"}}, nil, gateway.Options{})
	if err != nil {
		t.Fatalf("a tool failure must not abort the run: %v", err)
	}

	toolMsg := res.Transcript[1]
	if !strings.Contains(toolMsg.Content, `"error"`) {
		t.Errorf("tool message content = %q, want error payload", toolMsg.Content)
	}
	if len(res.UsedTools) != 1 || res.UsedTools[0].OK {
		t.Errorf("UsedTools = %+v, want failed entry", res.UsedTools)
	}
	if res.Text != "sorry, the tool is broken" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestRun_LoopExceeded(t *testing.T) {
	t.Parallel()
	// The model asks for a tool on every step and never answers.
	chat := &scriptedChatter{script: []*gateway.Result{
		toolResult(llm.ToolCall{ID: "c", Name: "loop", Arguments: `{}`}),
	}}
	inv := &fakeInvoker{handlers: map[string]func(context.Context, string) (string, error){
		"loop": func(context.Context, string) (string, error) { return "again", nil },
	}}
	d := NewDispatcher(chat, inv, WithMaxDepth(3))

	res, err := d.Run(context.Background(), "u1", "s1", identity.TierFree,
		[]llm.Message{{Role: "user", Content: "go"}}, nil, gateway.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.LoopExceeded {
		t.Fatal("LoopExceeded = false")
	}
	if res.Text != apology {
		t.Errorf("Text = %q, want apology", res.Text)
	}
	if res.Meta.Attempts != 3 {
		t.Errorf("model calls = %d, want 3", res.Meta.Attempts)
	}
}

func TestRun_LoopExceededKeepsLastAssistantText(t *testing.T) {
	t.Parallel()
	step := toolResult(llm.ToolCall{ID: "c", Name: "loop", Arguments: `{}`})
	step.Text = "working on it..."
	chat := &scriptedChatter{script: []*gateway.Result{step}}
	inv := &fakeInvoker{handlers: map[string]func(context.Context, string) (string, error){
		"loop": func(context.Context, string) (string, error) { return "again", nil },
	}}
	d := NewDispatcher(chat, inv, WithMaxDepth(2))

	res, err := d.Run(context.Background(), "u1", "s1", identity.TierFree,
		[]llm.Message{{Role: "user", Content: "go"}}, nil, gateway.Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "working on it..." {
		t.Errorf("Text = %q, want last assistant text", res.Text)
	}
}

func TestRun_ModelErrorAborts(t *testing.T) {
	t.Parallel()
	backendErr := errors.New("backend down")
	chat := &scriptedChatter{errs: []error{backendErr}}
	d := NewDispatcher(chat, &fakeInvoker{})

	if _, err := d.Run(context.Background(), "u1", "s1", identity.TierFree,
		[]llm.Message{{Role: "user", Content: "hi"}}, nil, gateway.Options{}); !errors.Is(err, backendErr) {
		t.Fatalf("err = %v, want backend error", err)
	}
}

func TestRun_CancellationAborts(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	chat := &scriptedChatter{script: []*gateway.Result{
		toolResult(llm.ToolCall{ID: "c1", Name: "hang", Arguments: `{}`}),
	}}
	inv := &fakeInvoker{handlers: map[string]func(context.Context, string) (string, error){
		"hang": func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}}
	d := NewDispatcher(chat, inv)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := d.Run(ctx, "u1", "s1", identity.TierFree,
		[]llm.Message{{Role: "user", Content: "go"}}, nil, gateway.Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRun_DoesNotMutateInput(t *testing.T) {
	t.Parallel()
	chat := &scriptedChatter{script: []*gateway.Result{textResult("hi")}}
	d := NewDispatcher(chat, &fakeInvoker{})

	messages := []llm.Message{{Role: "user", Content: "hello"}}
	if _, err := d.Run(context.Background(), "u1", "s1", identity.TierFree, messages, nil, gateway.Options{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(messages) != 1 {
		t.Errorf("input slice grew to %d entries", len(messages))
	}
}
