package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxa-ai/voxa/internal/app"
	"github.com/voxa-ai/voxa/internal/config"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
	llmmock "github.com/voxa-ai/voxa/pkg/provider/llm/mock"
)

// testConfig returns a minimal in-process config: no Postgres DSN, no Redis,
// no MCP servers, admin password file in a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Security: config.SecurityConfig{
			AdminPasswordFile: filepath.Join(t.TempDir(), "admin-password.txt"),
		},
		AI: config.AIConfig{
			Provider: "mock",
			Model:    "mock-model",
		},
		Observe: config.ObserveConfig{ServiceName: "voxa-test"},
	}
}

func testProviders(responses ...*llm.CompletionResponse) *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{CompleteResponses: responses},
	}
}

func newApp(t *testing.T, cfg *config.Config, providers *app.Providers) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_RequiresLLMProvider(t *testing.T) {
	if _, err := app.New(context.Background(), testConfig(t), nil); err == nil {
		t.Fatal("New with nil providers should fail")
	}
	if _, err := app.New(context.Background(), testConfig(t), &app.Providers{}); err == nil {
		t.Fatal("New without an LLM provider should fail")
	}
}

func TestNew_BootstrapsAdminPasswordFile(t *testing.T) {
	cfg := testConfig(t)
	newApp(t, cfg, testProviders())

	data, err := os.ReadFile(cfg.Security.AdminPasswordFile)
	if err != nil {
		t.Fatalf("admin password file not written: %v", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		t.Fatal("admin password file is empty")
	}
}

// TestEndToEnd drives the full stack through the HTTP handler: register,
// login, query (answered by the mock model), history.
func TestEndToEnd(t *testing.T) {
	a := newApp(t, testConfig(t), testProviders(&llm.CompletionResponse{
		Content: "The capital of France is Paris.",
		Usage:   llm.Usage{PromptTokens: 12, CompletionTokens: 8},
	}))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	post := func(path, token string, body any) *http.Response {
		t.Helper()
		buf, _ := json.Marshal(body)
		req, _ := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(buf))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		return resp
	}
	decode := func(resp *http.Response, v any) {
		t.Helper()
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}

	resp := post("/register", "", map[string]string{
		"email": "ada@example.com", "password": "correct-horse-battery",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = post("/login", "", map[string]string{
		"email": "ada@example.com", "password": "correct-horse-battery",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d", resp.StatusCode)
	}
	var login struct {
		SessionToken string `json:"session_token"`
		UserID       string `json:"user_id"`
	}
	decode(resp, &login)
	if login.SessionToken == "" || login.UserID == "" {
		t.Fatal("login response missing token or user id")
	}

	resp = post("/api/ai_query", login.SessionToken, map[string]string{
		"query": "What is the capital of France?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query: status %d", resp.StatusCode)
	}
	var reply struct {
		Text string `json:"text"`
	}
	decode(resp, &reply)
	if reply.Text != "The capital of France is Paris." {
		t.Fatalf("reply text = %q", reply.Text)
	}

	resp = post("/api/get_user_history", login.SessionToken, map[string]any{
		"user_id": login.UserID, "limit": 10,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: status %d", resp.StatusCode)
	}
	var hist struct {
		Turns []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"turns"`
	}
	decode(resp, &hist)
	if len(hist.Turns) != 2 {
		t.Fatalf("history turns = %d, want 2", len(hist.Turns))
	}
}

func TestHealthEndpoints(t *testing.T) {
	a := newApp(t, testConfig(t), testProviders())
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for _, path := range []string{"/health", "/healthz", "/readyz", "/metrics"} {
		resp, err := srv.Client().Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status %d", path, resp.StatusCode)
		}
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	a := newApp(t, testConfig(t), testProviders())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	a, err := app.New(context.Background(), testConfig(t), testProviders())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
