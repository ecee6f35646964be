// Package plugin defines the descriptor and invocation contract for Voxa's
// function-calling plugins.
//
// A plugin is a named bundle of tool functions offered to the LLM. Each
// function carries a JSON Schema for its arguments together with an
// in-process handler. Plugins are registered with a [Registry], enabled per
// user, and gated by entitlement tier. External MCP servers are imported as
// plugins through [ImportMCPServer]; their functions invoke the remote tool
// over the MCP session and are otherwise indistinguishable from built-ins.
//
// All exported types are safe for concurrent use unless noted otherwise.
package plugin

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxa-ai/voxa/internal/identity"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

// Call carries the identity context and validated arguments of one tool
// invocation.
type Call struct {
	// UserID identifies the user on whose behalf the tool runs.
	UserID string

	// SessionID identifies the session the invocation belongs to.
	SessionID string

	// Args is the JSON-encoded argument object. It has already passed
	// schema validation when the handler receives it.
	Args string
}

// Handler executes one tool function. The returned string is the tool's
// output, typically JSON, ready for insertion into the LLM context.
//
// Handlers must be reentrant and must respect context cancellation. A
// returned error marks the invocation as failed.
type Handler func(ctx context.Context, call Call) (string, error)

// Function pairs an LLM-facing tool definition with its handler.
type Function struct {
	// Definition is the schema presented to the LLM. Definition.Name must
	// be globally unique across all registered plugins.
	Definition llm.ToolDefinition

	// Handler is invoked with validated arguments.
	Handler Handler
}

// Descriptor describes one plugin: its identity, entitlement gate, and the
// ordered list of tool functions it contributes.
type Descriptor struct {
	// Name identifies the plugin. Must match ^[A-Za-z0-9_-]{1,50}$.
	Name string

	// Version is an informational version string.
	Version string

	// Description explains what the plugin does.
	Description string

	// TierRequired is the minimum entitlement tier needed to see or invoke
	// this plugin's functions. Empty means free.
	TierRequired identity.Tier

	// Functions are the tool functions contributed by this plugin, in the
	// order they are presented to the LLM.
	Functions []Function
}

// ToolResult is the outcome of a successful invocation.
type ToolResult struct {
	// Plugin is the owning plugin's name.
	Plugin string

	// Name is the invoked function's name.
	Name string

	// Content is the handler's output.
	Content string

	// DurationMs is the wall-clock handler runtime in milliseconds.
	DurationMs int64
}

// Sentinel errors returned by [Registry] operations.
var (
	// ErrUnknownPlugin is returned when a plugin name is not registered.
	ErrUnknownPlugin = errors.New("plugin: unknown plugin")

	// ErrUnknownFunction is returned when a function name resolves to no
	// registered plugin, or the owning plugin is disabled or tier-gated
	// for the caller. The three cases are deliberately indistinguishable
	// so a client cannot probe for premium functions by name.
	ErrUnknownFunction = errors.New("plugin: unknown function")
)

// DuplicateFunctionError is returned by Register when a function name is
// already claimed by another plugin.
type DuplicateFunctionError struct {
	// Function is the colliding function name.
	Function string

	// Existing is the plugin that already owns it.
	Existing string
}

func (e *DuplicateFunctionError) Error() string {
	return fmt.Sprintf("plugin: function %q already registered by plugin %q", e.Function, e.Existing)
}

// InvalidArgumentsError is returned by Invoke when the supplied arguments
// fail the function's JSON Schema. The handler is never called.
type InvalidArgumentsError struct {
	// Function is the function whose schema rejected the arguments.
	Function string

	// Detail is the validator's explanation.
	Detail string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("plugin: invalid arguments for %q: %s", e.Function, e.Detail)
}

// Kind returns the stable error-kind token reported back to the model.
func (e *InvalidArgumentsError) Kind() string { return "InvalidToolArguments" }

// TimeoutError is returned by Invoke when a handler exceeds its deadline.
type TimeoutError struct {
	// Plugin is the owning plugin's name.
	Plugin string

	// Function is the function that timed out.
	Function string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("plugin: %s/%s timed out", e.Plugin, e.Function)
}

// Kind returns the stable error-kind token reported back to the model.
func (e *TimeoutError) Kind() string { return "ToolTimeout" }

// FailureError is returned by Invoke when a handler returns an error or
// panics. The handler's failure never propagates as a panic.
type FailureError struct {
	// Plugin is the owning plugin's name.
	Plugin string

	// Function is the function that failed.
	Function string

	// Message is the handler's error text or recovered panic value.
	Message string
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("plugin: %s/%s failed: %s", e.Plugin, e.Function, e.Message)
}

// Kind returns the stable error-kind token reported back to the model.
func (e *FailureError) Kind() string { return "ToolFailed" }

// ErrorKind extracts the stable kind token from an invocation error, used
// when feeding the failure back to the model as a tool result. Unknown
// errors report as ToolFailed.
func ErrorKind(err error) string {
	var kinder interface{ Kind() string }
	if errors.As(err, &kinder) {
		return kinder.Kind()
	}
	return "ToolFailed"
}
