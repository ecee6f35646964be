// Package dispatch drives the function-calling loop at the core of a query:
// ask the model for a completion with the caller's tool schemas, execute any
// requested tool calls through the plugin registry, feed the results back,
// and repeat until the model answers with text or the depth budget runs out.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/voxa-ai/voxa/internal/gateway"
	"github.com/voxa-ai/voxa/internal/identity"
	"github.com/voxa-ai/voxa/internal/plugin"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

const (
	defaultMaxDepth = 5
	defaultFanOut   = 4

	// apology is the synthesized reply when the loop budget runs out
	// without the model ever producing text.
	apology = "I'm sorry, I wasn't able to finish working on that request. Please try asking again."
)

// Chatter is the slice of [gateway.Gateway] the dispatcher needs.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, opts gateway.Options) (*gateway.Result, error)
}

// Invoker is the slice of [plugin.Registry] the dispatcher needs.
type Invoker interface {
	Invoke(ctx context.Context, userID, sessionID string, tier identity.Tier, function, args string) (*plugin.ToolResult, error)
}

// UsedTool records one tool invocation made during a run.
type UsedTool struct {
	// Name is the invoked function name.
	Name string `json:"name"`

	// OK reports whether the invocation succeeded.
	OK bool `json:"ok"`

	// DurationMs is the invocation's wall-clock runtime.
	DurationMs int64 `json:"duration_ms"`
}

// RunResult is the outcome of one dispatcher run.
type RunResult struct {
	// Text is the final assistant reply.
	Text string

	// Transcript is the totally ordered sequence of messages the run
	// appended to the conversation: assistant tool-call messages, tool
	// results, and the final assistant text. Persisting it reproduces
	// the run exactly.
	Transcript []llm.Message

	// UsedTools lists every tool invocation in execution order.
	UsedTools []UsedTool

	// Meta aggregates token usage across all model calls of the run;
	// Attempts counts model calls rather than retries.
	Meta gateway.Meta

	// LoopExceeded is true when the depth budget ran out and Text is the
	// last assistant text or the synthesized apology.
	LoopExceeded bool
}

// Dispatcher runs bounded function-calling loops.
type Dispatcher struct {
	gw       Chatter
	tools    Invoker
	maxDepth int
	fanOut   int
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithMaxDepth caps loop iterations. Default 5.
func WithMaxDepth(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxDepth = n
		}
	}
}

// WithFanOut caps concurrently executing tool calls within one step.
// Default 4.
func WithFanOut(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.fanOut = n
		}
	}
}

// NewDispatcher creates a dispatcher over the given gateway and registry.
func NewDispatcher(gw Chatter, tools Invoker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gw:       gw,
		tools:    tools,
		maxDepth: defaultMaxDepth,
		fanOut:   defaultFanOut,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run drives the loop for one query. messages is the conversation so far,
// ending with the user's turn; schemas are the tool definitions visible to
// this user. The conversation slice is not mutated; appended messages are
// returned in [RunResult.Transcript].
//
// A failed or timed-out tool is not fatal: its error is reported back to the
// model as the tool result so the model can recover. Cancellation of ctx
// aborts the run and discards in-flight tool results.
func (d *Dispatcher) Run(ctx context.Context, userID, sessionID string, tier identity.Tier, messages []llm.Message, schemas []llm.ToolDefinition, opts gateway.Options) (*RunResult, error) {
	conversation := make([]llm.Message, len(messages), len(messages)+2*d.maxDepth)
	copy(conversation, messages)

	result := &RunResult{}
	opts.Tier = tier
	lastText := ""

	for depth := 1; depth <= d.maxDepth; depth++ {
		step, err := d.gw.Chat(ctx, conversation, schemas, opts)
		if err != nil {
			return nil, fmt.Errorf("dispatch: model call at depth %d: %w", depth, err)
		}
		result.Meta.Provider = step.Meta.Provider
		result.Meta.Model = step.Meta.Model
		result.Meta.PromptTokens += step.Meta.PromptTokens
		result.Meta.CompletionTokens += step.Meta.CompletionTokens
		result.Meta.Attempts++

		if len(step.ToolCalls) == 0 {
			final := llm.Message{Role: "assistant", Content: step.Text}
			result.Transcript = append(result.Transcript, final)
			result.Text = step.Text
			return result, nil
		}
		if step.Text != "" {
			lastText = step.Text
		}

		assistant := llm.Message{Role: "assistant", Content: step.Text, ToolCalls: step.ToolCalls}
		conversation = append(conversation, assistant)
		result.Transcript = append(result.Transcript, assistant)

		toolMsgs, used, err := d.executeStep(ctx, userID, sessionID, tier, step.ToolCalls)
		if err != nil {
			return nil, err
		}
		result.UsedTools = append(result.UsedTools, used...)
		conversation = append(conversation, toolMsgs...)
		result.Transcript = append(result.Transcript, toolMsgs...)
	}

	slog.Warn("tool loop exceeded",
		"event", "ToolLoopExceeded",
		"user_id", userID,
		"session_id", sessionID,
		"max_depth", d.maxDepth)

	text := lastText
	if text == "" {
		text = apology
	}
	final := llm.Message{Role: "assistant", Content: text}
	result.Transcript = append(result.Transcript, final)
	result.Text = text
	result.LoopExceeded = true
	return result, nil
}

// executeStep runs one step's tool calls concurrently, capped at the fan-out
// limit, and reassembles the results in the model's declared order.
func (d *Dispatcher) executeStep(ctx context.Context, userID, sessionID string, tier identity.Tier, calls []llm.ToolCall) ([]llm.Message, []UsedTool, error) {
	msgs := make([]llm.Message, len(calls))
	used := make([]UsedTool, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.fanOut)
	for i, call := range calls {
		g.Go(func() error {
			res, err := d.tools.Invoke(gctx, userID, sessionID, tier, call.Name, call.Arguments)
			if err != nil {
				// Cancellation aborts the run; tool failures go back to
				// the model as results.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				kind := plugin.ErrorKind(err)
				slog.Warn("tool call failed",
					"event", kind,
					"tool", call.Name,
					"user_id", userID,
					"error", err)
				msgs[i] = toolMessage(call, fmt.Sprintf(`{"error": %q}`, kind+": "+err.Error()))
				used[i] = UsedTool{Name: call.Name, OK: false}
				return nil
			}
			msgs[i] = toolMessage(call, res.Content)
			used[i] = UsedTool{Name: call.Name, OK: true, DurationMs: res.DurationMs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, fmt.Errorf("dispatch: tool execution aborted: %w", err)
	}
	return msgs, used, nil
}

func toolMessage(call llm.ToolCall, content string) llm.Message {
	return llm.Message{
		Role:       "tool",
		Name:       call.Name,
		Content:    content,
		ToolCallID: call.ID,
	}
}
