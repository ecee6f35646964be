package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/voxa-ai/voxa/internal/identity"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

// namePattern is the only shape a plugin name may take. The restriction
// doubles as path-traversal protection for names that end up in file paths
// or URLs.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// defaultHandlerTimeout bounds a single handler invocation.
const defaultHandlerTimeout = 3 * time.Second

// EnablementStore persists per-user plugin enablement overrides. A plugin
// with no override for a user is enabled.
//
// Implementations must be safe for concurrent use.
type EnablementStore interface {
	// SetEnabled records userID's override for the named plugin.
	SetEnabled(ctx context.Context, userID, plugin string, enabled bool) error

	// UserOverrides returns all of userID's overrides, keyed by plugin name.
	UserOverrides(ctx context.Context, userID string) (map[string]bool, error)

	// DeleteUser removes all of userID's overrides.
	DeleteUser(ctx context.Context, userID string) error
}

// compiledFunction is a registered function with its pre-compiled argument
// schema.
type compiledFunction struct {
	fn     Function
	schema *jsonschema.Schema
}

// pluginEntry is one registered plugin.
type pluginEntry struct {
	desc      Descriptor
	functions []compiledFunction
}

// Registry holds the registered plugins, resolves function names, gates
// visibility by tier and per-user enablement, and runs handlers under a
// deadline with panic containment.
//
// Registration and hot-swap take the write lock; lookups and invocations
// take the read lock, so in-flight calls keep their handler reference while
// a swap replaces the entry.
type Registry struct {
	enablement EnablementStore
	timeout    time.Duration
	whitelist  map[string]bool

	mu        sync.RWMutex
	plugins   map[string]*pluginEntry
	functions map[string]string // function name -> owning plugin

	// overrideMu guards the per-user enablement cache. Entries are
	// replaced wholesale, never mutated, so readers hold a snapshot.
	overrideMu sync.RWMutex
	overrides  map[string]map[string]bool
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithHandlerTimeout sets the per-invocation handler deadline. Default 3s.
func WithHandlerTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithWhitelist restricts registration to the named plugins. An empty list
// admits everything.
func WithWhitelist(names []string) RegistryOption {
	return func(r *Registry) {
		if len(names) == 0 {
			return
		}
		r.whitelist = make(map[string]bool, len(names))
		for _, n := range names {
			r.whitelist[n] = true
		}
	}
}

// NewRegistry creates an empty registry. The enablement store persists
// per-user plugin toggles; pass [NewMemEnablementStore] for in-process use.
func NewRegistry(enablement EnablementStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		enablement: enablement,
		timeout:    defaultHandlerTimeout,
		plugins:    make(map[string]*pluginEntry),
		functions:  make(map[string]string),
		overrides:  make(map[string]map[string]bool),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a plugin to the registry. It fails if the name is malformed
// or not whitelisted, if the plugin has no functions, if any function's
// schema does not compile, or if a function name is already claimed by a
// different plugin. Re-registering the same plugin name replaces the old
// entry atomically; its previous functions are released first.
func (r *Registry) Register(desc Descriptor) error {
	if !namePattern.MatchString(desc.Name) {
		return fmt.Errorf("plugin: invalid plugin name %q", desc.Name)
	}
	if r.whitelist != nil && !r.whitelist[desc.Name] {
		return fmt.Errorf("plugin: %q is not whitelisted", desc.Name)
	}
	if len(desc.Functions) == 0 {
		return fmt.Errorf("plugin: %q declares no functions", desc.Name)
	}

	compiled := make([]compiledFunction, 0, len(desc.Functions))
	for _, fn := range desc.Functions {
		if fn.Definition.Name == "" {
			return fmt.Errorf("plugin: %q declares a function without a name", desc.Name)
		}
		if fn.Handler == nil {
			return fmt.Errorf("plugin: %s/%s has no handler", desc.Name, fn.Definition.Name)
		}
		schema, err := compileParameters(fn.Definition.Parameters)
		if err != nil {
			return fmt.Errorf("plugin: %s/%s: compile schema: %w", desc.Name, fn.Definition.Name, err)
		}
		compiled = append(compiled, compiledFunction{fn: fn, schema: schema})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, cf := range compiled {
		owner, taken := r.functions[cf.fn.Definition.Name]
		if taken && owner != desc.Name {
			return &DuplicateFunctionError{Function: cf.fn.Definition.Name, Existing: owner}
		}
	}

	if old, ok := r.plugins[desc.Name]; ok {
		for _, cf := range old.functions {
			delete(r.functions, cf.fn.Definition.Name)
		}
	}
	r.plugins[desc.Name] = &pluginEntry{desc: desc, functions: compiled}
	for _, cf := range compiled {
		r.functions[cf.fn.Definition.Name] = desc.Name
	}
	return nil
}

// Deregister removes a plugin and releases its function names. Removing an
// unknown plugin is a no-op.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.plugins[name]
	if !ok {
		return
	}
	for _, cf := range entry.functions {
		delete(r.functions, cf.fn.Definition.Name)
	}
	delete(r.plugins, name)
}

// Discover returns the descriptors of all registered plugins, sorted by
// name. Handlers are omitted from the copies.
func (r *Registry) Discover() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.plugins))
	for _, entry := range r.plugins {
		d := entry.desc
		d.Functions = make([]Function, len(entry.functions))
		for i, cf := range entry.functions {
			d.Functions[i] = Function{Definition: cf.fn.Definition}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Enable turns the named plugin on for userID.
func (r *Registry) Enable(ctx context.Context, userID, name string) error {
	return r.setEnabled(ctx, userID, name, true)
}

// Disable turns the named plugin off for userID.
func (r *Registry) Disable(ctx context.Context, userID, name string) error {
	return r.setEnabled(ctx, userID, name, false)
}

func (r *Registry) setEnabled(ctx context.Context, userID, name string, enabled bool) error {
	r.mu.RLock()
	_, ok := r.plugins[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
	}

	if err := r.enablement.SetEnabled(ctx, userID, name, enabled); err != nil {
		return fmt.Errorf("plugin: persist enablement: %w", err)
	}
	r.invalidateOverrides(userID)
	return nil
}

// SchemasFor returns the tool definitions visible to userID at the given
// tier: functions of enabled plugins whose tier requirement the user meets.
// Ordering is stable, by plugin name then declaration order.
func (r *Registry) SchemasFor(ctx context.Context, userID string, tier identity.Tier) ([]llm.ToolDefinition, error) {
	overrides, err := r.userOverrides(ctx, userID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []llm.ToolDefinition
	for _, name := range names {
		entry := r.plugins[name]
		if !tierAllows(tier, entry.desc.TierRequired) {
			continue
		}
		if on, ok := overrides[name]; ok && !on {
			continue
		}
		for _, cf := range entry.functions {
			out = append(out, cf.fn.Definition)
		}
	}
	return out, nil
}

// Enabled reports each registered plugin's enablement state for userID,
// restricted to plugins the user's tier can see.
func (r *Registry) Enabled(ctx context.Context, userID string, tier identity.Tier) (map[string]bool, error) {
	overrides, err := r.userOverrides(ctx, userID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.plugins))
	for name, entry := range r.plugins {
		if !tierAllows(tier, entry.desc.TierRequired) {
			continue
		}
		on := true
		if v, ok := overrides[name]; ok {
			on = v
		}
		out[name] = on
	}
	return out, nil
}

// Invoke runs the named function on behalf of userID. The arguments are
// validated against the function's schema before the handler runs; the
// handler runs under the registry's deadline with panics converted to
// [*FailureError].
//
// A function belonging to a plugin the user's tier cannot see, or one the
// user has disabled, resolves as [ErrUnknownFunction].
func (r *Registry) Invoke(ctx context.Context, userID, sessionID string, tier identity.Tier, function, args string) (*ToolResult, error) {
	r.mu.RLock()
	owner, ok := r.functions[function]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, function)
	}
	entry := r.plugins[owner]
	var cf compiledFunction
	for _, c := range entry.functions {
		if c.fn.Definition.Name == function {
			cf = c
			break
		}
	}
	tierRequired := entry.desc.TierRequired
	r.mu.RUnlock()

	if !tierAllows(tier, tierRequired) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, function)
	}
	overrides, err := r.userOverrides(ctx, userID)
	if err != nil {
		return nil, err
	}
	if on, found := overrides[owner]; found && !on {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, function)
	}

	if args == "" {
		args = "{}"
	}
	if err := validateArgs(cf.schema, args); err != nil {
		return nil, &InvalidArgumentsError{Function: function, Detail: err.Error()}
	}

	start := time.Now()
	content, err := r.run(ctx, cf.fn.Handler, Call{UserID: userID, SessionID: sessionID, Args: args})
	if err != nil {
		// Caller cancellation propagates as-is so the dispatcher can tell
		// an aborted request apart from a misbehaving tool.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var timedOut *timeoutSentinel
		if errors.As(err, &timedOut) {
			return nil, &TimeoutError{Plugin: owner, Function: function}
		}
		return nil, &FailureError{Plugin: owner, Function: function, Message: err.Error()}
	}

	return &ToolResult{
		Plugin:     owner,
		Name:       function,
		Content:    content,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// timeoutSentinel marks a deadline expiry inside run.
type timeoutSentinel struct{}

func (*timeoutSentinel) Error() string { return "handler deadline exceeded" }

// run executes the handler under the registry deadline, containing panics.
// The handler goroutine is abandoned on timeout; handlers are required to
// honour ctx so abandonment is bounded in practice.
func (r *Registry) run(ctx context.Context, h Handler, call Call) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("plugin handler panicked", "panic", p)
				ch <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		content, err := h(ctx, call)
		ch <- outcome{content: content, err: err}
	}()

	select {
	case out := <-ch:
		return out.content, out.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return "", &timeoutSentinel{}
		}
		return "", ctx.Err()
	}
}

// userOverrides returns the cached enablement overrides for userID, loading
// them from the store on first use.
func (r *Registry) userOverrides(ctx context.Context, userID string) (map[string]bool, error) {
	r.overrideMu.RLock()
	cached, ok := r.overrides[userID]
	r.overrideMu.RUnlock()
	if ok {
		return cached, nil
	}

	loaded, err := r.enablement.UserOverrides(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("plugin: load enablement: %w", err)
	}
	if loaded == nil {
		loaded = map[string]bool{}
	}

	r.overrideMu.Lock()
	r.overrides[userID] = loaded
	r.overrideMu.Unlock()
	return loaded, nil
}

func (r *Registry) invalidateOverrides(userID string) {
	r.overrideMu.Lock()
	delete(r.overrides, userID)
	r.overrideMu.Unlock()
}

// DeleteUser removes userID's enablement state everywhere.
func (r *Registry) DeleteUser(ctx context.Context, userID string) error {
	if err := r.enablement.DeleteUser(ctx, userID); err != nil {
		return fmt.Errorf("plugin: delete enablement: %w", err)
	}
	r.invalidateOverrides(userID)
	return nil
}

// tierAllows reports whether a user at tier may see a plugin requiring
// required. Paid users see everything; free users see only free plugins.
func tierAllows(tier, required identity.Tier) bool {
	if required == identity.TierPaid {
		return tier == identity.TierPaid
	}
	return true
}

// compileParameters compiles a tool's parameter map into a JSON Schema. A
// nil map compiles to the permissive empty object schema.
func compileParameters(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString("parameters.schema.json", string(raw))
}

// validateArgs checks a JSON argument string against a compiled schema.
func validateArgs(schema *jsonschema.Schema, args string) error {
	var decoded any
	if err := json.Unmarshal([]byte(args), &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(decoded)
}
