package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voxa-ai/voxa/internal/config"
	"github.com/voxa-ai/voxa/internal/identity"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

// defaultMaxCommandBytes caps the size of a stdio server's executable.
const defaultMaxCommandBytes = 1 << 20

// MCPImporter connects to external MCP tool servers and imports their tool
// catalogues as plugins. One importer serves the whole process; the official
// SDK client manages multiple sessions concurrently.
type MCPImporter struct {
	client   *mcpsdk.Client
	maxBytes int64

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// NewMCPImporter creates an importer. maxCommandBytes caps the executable
// size of stdio servers; zero applies the 1 MiB default.
func NewMCPImporter(maxCommandBytes int64) *MCPImporter {
	if maxCommandBytes <= 0 {
		maxCommandBytes = defaultMaxCommandBytes
	}
	return &MCPImporter{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voxa-plugin-host", Version: "1.0.0"},
			nil,
		),
		maxBytes: maxCommandBytes,
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// ImportServer connects to one MCP server and registers its tool catalogue
// with reg as a single plugin named after the server. An existing session
// for the same server is closed and replaced, and the registry entry is
// swapped atomically, so reconnecting refreshes the catalogue.
//
// The caller bounds the connection and listing through ctx.
func (m *MCPImporter) ImportServer(ctx context.Context, reg *Registry, cfg config.MCPServerConfig) error {
	if !namePattern.MatchString(cfg.Name) {
		return fmt.Errorf("plugin: invalid mcp server name %q", cfg.Name)
	}

	transport, err := m.buildTransport(ctx, cfg)
	if err != nil {
		return err
	}

	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("plugin: connect to mcp server %q: %w", cfg.Name, err)
	}

	var functions []Function
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("plugin: list tools of mcp server %q: %w", cfg.Name, err)
		}
		functions = append(functions, Function{
			Definition: llm.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
			},
			Handler: m.makeHandler(cfg.Name, tool.Name),
		})
	}
	if len(functions) == 0 {
		_ = session.Close()
		return fmt.Errorf("plugin: mcp server %q exposes no tools", cfg.Name)
	}

	desc := Descriptor{
		Name:         cfg.Name,
		Description:  fmt.Sprintf("tools imported from MCP server %q", cfg.Name),
		TierRequired: identity.Tier(cfg.TierRequired),
		Functions:    functions,
	}
	if err := reg.Register(desc); err != nil {
		_ = session.Close()
		return err
	}

	m.mu.Lock()
	if old, ok := m.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	m.sessions[cfg.Name] = session
	m.mu.Unlock()
	return nil
}

// Sync reconciles the registry with the configured server list: every listed
// server is (re)imported, and previously imported servers that dropped out
// of the list are closed and deregistered. Servers that fail to import are
// skipped with an error log; one broken server never blocks the rest.
func (m *MCPImporter) Sync(ctx context.Context, reg *Registry, servers []config.MCPServerConfig, loadTimeout time.Duration) {
	want := make(map[string]bool, len(servers))
	for _, cfg := range servers {
		want[cfg.Name] = true

		importCtx, cancel := context.WithTimeout(ctx, loadTimeout)
		err := m.ImportServer(importCtx, reg, cfg)
		cancel()
		if err != nil {
			slog.Error("skipping mcp server", "server", cfg.Name, "error", err)
		}
	}

	m.mu.Lock()
	var stale []string
	for name := range m.sessions {
		if !want[name] {
			stale = append(stale, name)
		}
	}
	for _, name := range stale {
		_ = m.sessions[name].Close()
		delete(m.sessions, name)
	}
	m.mu.Unlock()

	for _, name := range stale {
		reg.Deregister(name)
		slog.Info("removed mcp server", "server", name)
	}
}

// Close shuts down all server sessions.
func (m *MCPImporter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, session := range m.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("plugin: close mcp server %q: %w", name, err)
		}
		delete(m.sessions, name)
	}
	return firstErr
}

// buildTransport derives the SDK transport from a server config. Exactly one
// of Command and URL must be set; the config loader enforces this, and the
// check here guards direct callers.
func (m *MCPImporter) buildTransport(ctx context.Context, cfg config.MCPServerConfig) (mcpsdk.Transport, error) {
	switch {
	case cfg.Command != "":
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("plugin: mcp server %q has an empty command", cfg.Name)
		}
		if err := m.checkExecutable(executable); err != nil {
			return nil, fmt.Errorf("plugin: mcp server %q: %w", cfg.Name, err)
		}
		// The subprocess must outlive the import deadline; it dies with the
		// session, not with the registration context.
		cmd := exec.CommandContext(context.WithoutCancel(ctx), executable, args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case cfg.URL != "":
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil

	default:
		return nil, fmt.Errorf("plugin: mcp server %q has neither command nor url", cfg.Name)
	}
}

// checkExecutable rejects path traversal and oversized executables.
func (m *MCPImporter) checkExecutable(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("command path %q contains a parent-directory segment", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		// Bare command names resolve through PATH at exec time.
		if !strings.Contains(path, string(os.PathSeparator)) {
			return nil
		}
		return fmt.Errorf("stat command: %w", err)
	}
	if info.Size() > m.maxBytes {
		return fmt.Errorf("command is %d bytes, cap is %d", info.Size(), m.maxBytes)
	}
	return nil
}

// makeHandler returns a handler that routes an invocation to the named tool
// on the named server. The session is resolved per call so a reconnect is
// picked up by subsequent invocations.
func (m *MCPImporter) makeHandler(server, tool string) Handler {
	return func(ctx context.Context, call Call) (string, error) {
		m.mu.Lock()
		session, ok := m.sessions[server]
		m.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("mcp server %q is not connected", server)
		}

		var argsMap map[string]any
		if call.Args != "" && call.Args != "{}" {
			if err := json.Unmarshal([]byte(call.Args), &argsMap); err != nil {
				return "", fmt.Errorf("decode arguments: %w", err)
			}
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      tool,
			Arguments: argsMap,
		})
		if err != nil {
			return "", fmt.Errorf("call %q on mcp server %q: %w", tool, server, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return "", fmt.Errorf("tool %q reported an error: %s", tool, sb.String())
		}
		return sb.String(), nil
	}
}

// splitCommand breaks a command line into the executable and its arguments.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// schemaToMap normalises any SDK schema value into the map form used by
// tool definitions.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
