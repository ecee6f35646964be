// Package gateway wraps an [llm.Provider] with the operational policy every
// model call must obey: bounded concurrent admission, per-tier output-token
// ceilings, a hard per-call deadline, and retries with exponential backoff
// on transient provider failures.
//
// The dispatcher and orchestrator talk to the model exclusively through
// [Gateway.Chat]; nothing else in the server calls a provider directly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/voxa-ai/voxa/internal/identity"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

// ErrOverloaded is returned when the gateway cannot admit another in-flight
// model call within the admission wait. The transport maps it to HTTP 503.
var ErrOverloaded = errors.New("gateway: overloaded")

const (
	defaultTimeout       = 30 * time.Second
	defaultMaxAttempts   = 3
	defaultBackoffBase   = 500 * time.Millisecond
	defaultMaxInFlight   = 32
	defaultAdmissionWait = 2 * time.Second
)

// TokenCeilings supplies the per-request completion-token cap for a tier.
// [ratelimit.Limiter] satisfies it.
type TokenCeilings interface {
	MaxOutputTokens(tier identity.Tier) int
}

// Options carries per-call parameters.
type Options struct {
	// Tier selects the caller's output-token ceiling.
	Tier identity.Tier

	// SystemPrompt is injected ahead of the conversation.
	SystemPrompt string

	// Temperature overrides the provider default when > 0.
	Temperature float64

	// MaxTokens caps completion tokens for this call. The tier ceiling
	// still applies on top; the smaller value wins.
	MaxTokens int
}

// Meta tags a result for metering and diagnostics.
type Meta struct {
	// Provider is the configured provider name, e.g. "openai".
	Provider string

	// Model is the model identifier the call was served with.
	Model string

	// PromptTokens and CompletionTokens are the provider-reported counts.
	PromptTokens     int
	CompletionTokens int

	// Attempts is how many provider calls were made, including retries.
	Attempts int
}

// Result is the outcome of one Chat call.
type Result struct {
	// Text is the assistant's reply. Empty when the model responded with
	// tool calls only.
	Text string

	// ToolCalls lists the tool invocations the model requested.
	ToolCalls []llm.ToolCall

	// Meta carries provider identity and token accounting.
	Meta Meta
}

// Gateway is the single entry point for model calls.
type Gateway struct {
	provider     llm.Provider
	providerName string
	model        string
	ceilings     TokenCeilings

	timeout       time.Duration
	maxAttempts   int
	backoffBase   time.Duration
	admissionWait time.Duration
	sem           *semaphore.Weighted

	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithTimeout sets the hard per-call deadline. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithMaxAttempts sets the total number of provider attempts per call,
// including the first. Default 3.
func WithMaxAttempts(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithBackoffBase sets the first retry delay; each further retry doubles it.
// Default 500ms.
func WithBackoffBase(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.backoffBase = d
		}
	}
}

// WithMaxInFlight bounds concurrent provider calls. Default 32.
func WithMaxInFlight(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithAdmissionWait bounds how long Chat waits for an admission slot before
// returning [ErrOverloaded]. Default 2s.
func WithAdmissionWait(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.admissionWait = d
		}
	}
}

// NewGateway creates a gateway over the given provider. providerName and
// model appear verbatim in [Meta]. ceilings may be nil, in which case only
// Options.MaxTokens caps output.
func NewGateway(provider llm.Provider, providerName, model string, ceilings TokenCeilings, opts ...Option) *Gateway {
	g := &Gateway{
		provider:      provider,
		providerName:  providerName,
		model:         model,
		ceilings:      ceilings,
		timeout:       defaultTimeout,
		maxAttempts:   defaultMaxAttempts,
		backoffBase:   defaultBackoffBase,
		admissionWait: defaultAdmissionWait,
		sem:           semaphore.NewWeighted(defaultMaxInFlight),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Chat sends one completion request to the model.
//
// Transient provider failures are retried with exponential backoff up to the
// attempt budget; other failures surface immediately. The call as a whole is
// bounded by the gateway timeout regardless of retries.
func (g *Gateway) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition, opts Options) (*Result, error) {
	admitCtx, cancelAdmit := context.WithTimeout(ctx, g.admissionWait)
	err := g.sem.Acquire(admitCtx, 1)
	cancelAdmit()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrOverloaded
	}
	defer g.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req := llm.CompletionRequest{
		Messages:     messages,
		Tools:        tools,
		Temperature:  opts.Temperature,
		SystemPrompt: opts.SystemPrompt,
		MaxTokens:    g.maxTokens(opts),
	}

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		resp, err := g.provider.Complete(ctx, req)
		if err == nil {
			return &Result{
				Text:      resp.Content,
				ToolCalls: resp.ToolCalls,
				Meta: Meta{
					Provider:         g.providerName,
					Model:            g.model,
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					Attempts:         attempt,
				},
			}, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("gateway: chat: %w", ctx.Err())
		}
		if !errors.Is(err, llm.ErrTransient) {
			return nil, fmt.Errorf("gateway: chat: %w", err)
		}
		if attempt == g.maxAttempts {
			break
		}

		delay := g.backoffBase << (attempt - 1)
		slog.Warn("transient model failure, retrying",
			"provider", g.providerName,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if err := g.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("gateway: chat: %w", err)
		}
	}
	return nil, fmt.Errorf("gateway: chat: %d attempts exhausted: %w", g.maxAttempts, lastErr)
}

// CountTokens estimates the context-window cost of messages.
func (g *Gateway) CountTokens(messages []llm.Message) (int, error) {
	return g.provider.CountTokens(messages)
}

// Capabilities exposes the model's static metadata.
func (g *Gateway) Capabilities() llm.ModelCapabilities {
	return g.provider.Capabilities()
}

// Model returns the configured model identifier.
func (g *Gateway) Model() string { return g.model }

// maxTokens resolves the effective completion cap: the smaller of the tier
// ceiling and the per-call override, ignoring zeroes.
func (g *Gateway) maxTokens(opts Options) int {
	ceiling := 0
	if g.ceilings != nil {
		ceiling = g.ceilings.MaxOutputTokens(opts.Tier)
	}
	switch {
	case ceiling <= 0:
		return opts.MaxTokens
	case opts.MaxTokens <= 0:
		return ceiling
	case opts.MaxTokens < ceiling:
		return opts.MaxTokens
	default:
		return ceiling
	}
}
