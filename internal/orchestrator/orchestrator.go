// Package orchestrator ties a single user query together: rate-limit
// admission, memory context assembly, the function-calling dispatch run,
// persistence of the resulting turns, and token metering.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxa-ai/voxa/internal/dispatch"
	"github.com/voxa-ai/voxa/internal/gateway"
	"github.com/voxa-ai/voxa/internal/identity"
	"github.com/voxa-ai/voxa/internal/memory"
	"github.com/voxa-ai/voxa/internal/ratelimit"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

const (
	// defaultReplyReserve is the context-window share held back for the
	// model's reply when computing the memory budget.
	defaultReplyReserve = 1024

	// defaultContextWindow is assumed when the provider reports none.
	defaultContextWindow = 8192

	// fallbackReply is returned when the model backend fails entirely.
	fallbackReply = "I'm sorry, I can't reach my language model right now. Please try again in a moment."

	defaultSystemPrompt = "You are Voxa, a helpful voice assistant. Answer concisely and use the available tools when they help."
)

// Runner is the slice of [dispatch.Dispatcher] the orchestrator needs.
type Runner interface {
	Run(ctx context.Context, userID, sessionID string, tier identity.Tier, messages []llm.Message, schemas []llm.ToolDefinition, opts gateway.Options) (*dispatch.RunResult, error)
}

// Schemas is the slice of [plugin.Registry] the orchestrator needs.
type Schemas interface {
	SchemasFor(ctx context.Context, userID string, tier identity.Tier) ([]llm.ToolDefinition, error)
}

// Capabilities reports the active model's static limits.
type Capabilities interface {
	Capabilities() llm.ModelCapabilities
	Model() string
}

// Chatter is the slice of [gateway.Gateway] the fact extraction pass needs:
// a plain completion with no tool loop.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, opts gateway.Options) (*gateway.Result, error)
}

// ReplyMeta describes how a reply was produced.
type ReplyMeta struct {
	// Model is the model identifier that served the query, empty for a
	// fallback reply.
	Model string `json:"model"`

	// UsedTools lists the tool invocations of the run in order.
	UsedTools []dispatch.UsedTool `json:"used_tools"`

	// LatencyMs is the end-to-end handling time.
	LatencyMs int64 `json:"latency_ms"`

	// FromFallback is true when the model was unreachable and Text is
	// the canned fallback. Fallback replies are not charged tokens.
	FromFallback bool `json:"from_fallback"`
}

// Reply is the outcome of one handled query.
type Reply struct {
	// Text is the assistant's answer.
	Text string `json:"text"`

	// Meta describes the run.
	Meta ReplyMeta `json:"metadata"`
}

// Orchestrator handles queries end to end.
type Orchestrator struct {
	memory   *memory.Manager
	plugins  Schemas
	runner   Runner
	model    Capabilities
	limiter  *ratelimit.Limiter
	chat     Chatter
	reserve  int
	sysPrmpt string

	now func() time.Time
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithReplyReserve sets the token head-room kept for the reply when sizing
// the memory context. Default 1024.
func WithReplyReserve(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.reserve = n
		}
	}
}

// WithSystemPrompt overrides the assistant's system prompt.
func WithSystemPrompt(s string) Option {
	return func(o *Orchestrator) {
		if s != "" {
			o.sysPrmpt = s
		}
	}
}

// WithFactChatter sets the completion backend for the post-turn fact
// extraction pass. When unset, the model handle is used if it can chat;
// otherwise extraction is disabled.
func WithFactChatter(c Chatter) Option {
	return func(o *Orchestrator) { o.chat = c }
}

// NewOrchestrator wires the query pipeline together.
func NewOrchestrator(mem *memory.Manager, plugins Schemas, runner Runner, model Capabilities, limiter *ratelimit.Limiter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		memory:   mem,
		plugins:  plugins,
		runner:   runner,
		model:    model,
		limiter:  limiter,
		reserve:  defaultReplyReserve,
		sysPrmpt: defaultSystemPrompt,
		now:      time.Now,
	}
	for _, op := range opts {
		op(o)
	}
	if o.chat == nil {
		if c, ok := model.(Chatter); ok {
			o.chat = c
		}
	}
	return o
}

// Submission is an admitted query whose user turn is already persisted.
// Submissions are created by [Orchestrator.Submit] in arrival order; the
// transport calls Submit synchronously per session so that admission and
// persistence order match the order queries were received.
type Submission struct {
	// User is the authenticated caller.
	User identity.User

	// SessionID scopes the query's short-term memory.
	SessionID string

	// Text is the raw query.
	Text string

	start time.Time
}

// Submit admits one query against the caller's quota and persists the user
// turn. It performs no model work and returns quickly, so callers can invoke
// it synchronously to preserve per-session arrival order before running
// [Orchestrator.Complete] concurrently.
//
// Quota exhaustion surfaces as [*ratelimit.RateLimited] so the transport can
// map it to 429. A failed turn write is logged and does not fail the
// submission; the memory manager has queued the turn for retry.
func (o *Orchestrator) Submit(ctx context.Context, user identity.User, sessionID, text string) (*Submission, error) {
	start := o.now()

	if err := o.limiter.Admit(ctx, user.ID, user.Tier); err != nil {
		return nil, err
	}

	userTurn := memory.Turn{
		UserID:    user.ID,
		SessionID: sessionID,
		Role:      memory.RoleUser,
		Content:   text,
	}
	if err := o.memory.AppendTurn(ctx, userTurn); err != nil {
		// The reply can still be produced; the manager has queued the
		// turn for retry.
		slog.Error("user turn not persisted", "user_id", user.ID, "error", err)
	}

	return &Submission{User: user, SessionID: sessionID, Text: text, start: start}, nil
}

// Complete runs an admitted submission through the model pipeline and returns
// the assistant's reply.
//
// Overload surfaces as [gateway.ErrOverloaded] so the transport can map it to
// 503. Any other model failure degrades to a canned fallback reply:
// FromFallback is set and no tokens are charged.
func (o *Orchestrator) Complete(ctx context.Context, sub *Submission) (*Reply, error) {
	user, sessionID, text := sub.User, sub.SessionID, sub.Text
	start := sub.start
	if start.IsZero() {
		start = o.now()
	}

	messages := o.buildConversation(ctx, user.ID, sessionID, text)

	schemas, err := o.plugins.SchemasFor(ctx, user.ID, user.Tier)
	if err != nil {
		slog.Error("tool schemas unavailable, continuing without tools", "user_id", user.ID, "error", err)
		schemas = nil
	}

	run, err := o.runner.Run(ctx, user.ID, sessionID, user.Tier, messages, schemas, gateway.Options{
		SystemPrompt: o.sysPrmpt,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, gateway.ErrOverloaded) {
			return nil, err
		}
		slog.Error("model unavailable, serving fallback reply", "user_id", user.ID, "error", err)
		return &Reply{
			Text: fallbackReply,
			Meta: ReplyMeta{
				FromFallback: true,
				LatencyMs:    o.now().Sub(start).Milliseconds(),
			},
		}, nil
	}

	o.persistRun(ctx, user.ID, sessionID, run)

	if run.Meta.CompletionTokens > 0 {
		if err := o.limiter.RecordTokens(ctx, user.ID, int64(run.Meta.CompletionTokens)); err != nil {
			slog.Error("token metering failed", "user_id", user.ID, "error", err)
		}
	}

	o.extractFacts(ctx, user.ID, text, run.Text)

	return &Reply{
		Text: run.Text,
		Meta: ReplyMeta{
			Model:     run.Meta.Model,
			UsedTools: run.UsedTools,
			LatencyMs: o.now().Sub(start).Milliseconds(),
		},
	}, nil
}

// HandleQuery runs [Orchestrator.Submit] and [Orchestrator.Complete] back to
// back for callers that need no ordered-admission split.
func (o *Orchestrator) HandleQuery(ctx context.Context, user identity.User, sessionID, text string) (*Reply, error) {
	sub, err := o.Submit(ctx, user, sessionID, text)
	if err != nil {
		return nil, err
	}
	return o.Complete(ctx, sub)
}

// History returns the user's recent turns, newest first.
func (o *Orchestrator) History(ctx context.Context, userID string, limit int) ([]memory.Turn, error) {
	return o.memory.UserHistory(ctx, userID, time.Time{}, limit)
}

// buildConversation loads the memory context sized to the model's window
// minus the reply reservation and renders it as chat messages ending with
// the current user turn.
func (o *Orchestrator) buildConversation(ctx context.Context, userID, sessionID, text string) []llm.Message {
	window := o.model.Capabilities().ContextWindow
	if window <= 0 {
		window = defaultContextWindow
	}
	budget := window - o.reserve - memory.EstimateTokens(o.sysPrmpt) - memory.EstimateTokens(text)
	if budget < 0 {
		budget = 0
	}

	mctx := o.memory.LoadContext(ctx, userID, sessionID, text, budget)

	var messages []llm.Message
	if preamble := factPreamble(mctx); preamble != "" {
		messages = append(messages, llm.Message{Role: "system", Content: preamble})
	}
	for _, turn := range mctx.Turns {
		messages = append(messages, llm.Message{
			Role:       string(turn.Role),
			Content:    turn.Content,
			Name:       turn.ToolName,
			ToolCallID: turn.ToolCallID,
		})
	}

	// The current query is normally the tail of the loaded context; when
	// its write failed it is missing and gets appended directly.
	if n := len(messages); n == 0 || messages[n-1].Role != "user" || messages[n-1].Content != text {
		messages = append(messages, llm.Message{Role: "user", Content: text})
	}
	return messages
}

// factPreamble renders the retrieved facts as a compact system message.
func factPreamble(mctx memory.Context) string {
	if len(mctx.LongTermFacts) == 0 && len(mctx.MidTermFacts) == 0 {
		return ""
	}
	s := "Known facts about the user:"
	for _, f := range mctx.LongTermFacts {
		s += "\n- " + f.Text
	}
	for _, f := range mctx.MidTermFacts {
		s += "\n- " + f.Text
	}
	return s
}

// persistRun appends the dispatcher transcript to memory in run order.
func (o *Orchestrator) persistRun(ctx context.Context, userID, sessionID string, run *dispatch.RunResult) {
	for _, msg := range run.Transcript {
		turn := memory.Turn{
			UserID:     userID,
			SessionID:  sessionID,
			Role:       memory.Role(msg.Role),
			Content:    msg.Content,
			ToolName:   msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		if err := o.memory.AppendTurn(ctx, turn); err != nil {
			slog.Error("run turn not persisted",
				"user_id", userID, "role", msg.Role, "error", err)
		}
	}
}

// DeleteUserData removes a user's memory and counters, used by account
// deletion.
func (o *Orchestrator) DeleteUserData(ctx context.Context, userID string) error {
	if err := o.memory.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("orchestrator: delete memory: %w", err)
	}
	if err := o.limiter.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("orchestrator: delete counters: %w", err)
	}
	return nil
}
