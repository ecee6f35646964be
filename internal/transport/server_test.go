package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxa-ai/voxa/internal/gateway"
	"github.com/voxa-ai/voxa/internal/identity"
	"github.com/voxa-ai/voxa/internal/memory"
	"github.com/voxa-ai/voxa/internal/orchestrator"
	"github.com/voxa-ai/voxa/internal/plugin"
	"github.com/voxa-ai/voxa/internal/ratelimit"
)

const testToken = "tok-valid"

type fakeAssistant struct {
	reply     *orchestrator.Reply
	err       error
	submitErr error
	turns     []memory.Turn

	// When set, Complete blocks until the channel closes or the context
	// ends; context errors are forwarded on cancelled when that is set.
	block     chan struct{}
	cancelled chan error

	mu         sync.Mutex
	submitted  []string
	gotUser    identity.User
	gotSession string
	gotText    string
	deleted    []string
}

func (a *fakeAssistant) Submit(_ context.Context, user identity.User, sessionID, text string) (*orchestrator.Submission, error) {
	a.mu.Lock()
	a.gotUser, a.gotSession, a.gotText = user, sessionID, text
	a.submitted = append(a.submitted, text)
	a.mu.Unlock()
	if a.submitErr != nil {
		return nil, a.submitErr
	}
	return &orchestrator.Submission{User: user, SessionID: sessionID, Text: text}, nil
}

func (a *fakeAssistant) Complete(ctx context.Context, _ *orchestrator.Submission) (*orchestrator.Reply, error) {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			if a.cancelled != nil {
				a.cancelled <- ctx.Err()
			}
			return nil, ctx.Err()
		}
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.reply, nil
}

func (a *fakeAssistant) submittedTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.submitted...)
}

func (a *fakeAssistant) History(context.Context, string, int) ([]memory.Turn, error) {
	return a.turns, nil
}

func (a *fakeAssistant) DeleteUserData(_ context.Context, userID string) error {
	a.deleted = append(a.deleted, userID)
	return nil
}

type fakeAuth struct {
	user        identity.User
	authErr     error
	revoked     []string
	registered  []string
	deletedIDs  []string
	passChanged bool
}

func (f *fakeAuth) Register(_ context.Context, email, _ string) (string, error) {
	if email == "taken@example.com" {
		return "", identity.ErrUserExists
	}
	f.registered = append(f.registered, email)
	return "new-user", nil
}

func (f *fakeAuth) Authenticate(_ context.Context, email, _ string) (string, string, error) {
	if f.authErr != nil {
		return "", "", f.authErr
	}
	return testToken, f.user.ID, nil
}

func (f *fakeAuth) Resume(_ context.Context, token string) (*identity.User, error) {
	if token != testToken {
		return nil, identity.ErrUnknownSession
	}
	u := f.user
	return &u, nil
}

func (f *fakeAuth) Revoke(_ context.Context, token string) error {
	f.revoked = append(f.revoked, token)
	return nil
}

func (f *fakeAuth) ChangePassword(_ context.Context, _, oldPassword, _ string) error {
	if oldPassword != "hunter2" {
		return identity.ErrInvalidCredentials
	}
	f.passChanged = true
	return nil
}

func (f *fakeAuth) DeleteAccount(_ context.Context, id string) error {
	f.deletedIDs = append(f.deletedIDs, id)
	return nil
}

type fakePlugins struct {
	descs   []plugin.Descriptor
	enabled map[string]bool
	toggles []string
}

func (p *fakePlugins) Discover() []plugin.Descriptor { return p.descs }

func (p *fakePlugins) Enabled(context.Context, string, identity.Tier) (map[string]bool, error) {
	return p.enabled, nil
}

func (p *fakePlugins) Enable(_ context.Context, _, name string) error {
	if _, ok := p.enabled[name]; !ok {
		return plugin.ErrUnknownPlugin
	}
	p.toggles = append(p.toggles, "enable:"+name)
	return nil
}

func (p *fakePlugins) Disable(_ context.Context, _, name string) error {
	if _, ok := p.enabled[name]; !ok {
		return plugin.ErrUnknownPlugin
	}
	p.toggles = append(p.toggles, "disable:"+name)
	return nil
}

type testEnv struct {
	srv       *httptest.Server
	assistant *fakeAssistant
	auth      *fakeAuth
	plugins   *fakePlugins
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	assistant := &fakeAssistant{
		reply: &orchestrator.Reply{
			Text: "hello!",
			Meta: orchestrator.ReplyMeta{Model: "gpt-4o"},
		},
	}
	auth := &fakeAuth{user: identity.User{ID: "u1", Email: "u1@example.com", Tier: identity.TierFree}}
	plugins := &fakePlugins{
		descs: []plugin.Descriptor{
			{Name: "weather", Version: "1.0.0", Description: "forecasts"},
			{Name: "timeinfo", Version: "1.0.0", Description: "clock"},
			{Name: "websearch", Version: "1.0.0", TierRequired: identity.TierPaid},
		},
		enabled: map[string]bool{"weather": true, "timeinfo": false},
	}
	server := NewServer(assistant, auth, plugins, nil, opts...)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, assistant: assistant, auth: auth, plugins: plugins}
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestLogin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/login", "", `{"email":"u1@example.com","password":"pw"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["session_token"] != testToken || body["user_id"] != "u1" {
		t.Errorf("body = %v", body)
	}
}

func TestLogin_BadCredentials(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.auth.authErr = identity.ErrInvalidCredentials

	resp := env.do(t, "POST", "/login", "", `{"email":"u1@example.com","password":"no"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestLogin_LockedAccount(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.auth.authErr = identity.ErrAccountLocked

	resp := env.do(t, "POST", "/login", "", `{"email":"u1@example.com","password":"pw"}`)
	var body errorBody
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusUnauthorized || body.Error != "AccountLocked" {
		t.Errorf("status = %d, error = %q", resp.StatusCode, body.Error)
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/register", "", `{"email":"new@example.com","password":"secret123"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.do(t, "POST", "/register", "", `{"email":"taken@example.com","password":"secret123"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", resp.StatusCode)
	}
}

func TestQuery_RequiresAuth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/api/ai_query", "", `{"query":"hi"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	resp = env.do(t, "POST", "/api/ai_query", "tok-bogus", `{"query":"hi"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}
}

func TestQuery_Success(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/api/ai_query", testToken, `{"query":"what time is it?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var reply orchestrator.Reply
	decodeBody(t, resp, &reply)
	if reply.Text != "hello!" || reply.Meta.Model != "gpt-4o" {
		t.Errorf("reply = %+v", reply)
	}
	if env.assistant.gotUser.ID != "u1" || env.assistant.gotText != "what time is it?" {
		t.Errorf("pipeline saw user=%q text=%q", env.assistant.gotUser.ID, env.assistant.gotText)
	}
	if env.assistant.gotSession == "" {
		t.Error("empty session id")
	}
}

func TestQuery_UserMismatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/api/ai_query", testToken, `{"query":"hi","user_id":"someone-else"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestQuery_RateLimited(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.assistant.err = &ratelimit.RateLimited{Limit: 500, Window: time.Hour, RetryAfter: 42 * time.Second}

	resp := env.do(t, "POST", "/api/ai_query", testToken, `{"query":"hi"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "42" {
		t.Errorf("Retry-After = %q, want 42", got)
	}
	var body errorBody
	decodeBody(t, resp, &body)
	if body.Error != "RateLimited" || body.RetryAfterSeconds != 42 {
		t.Errorf("body = %+v", body)
	}
}

func TestQuery_Overloaded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.assistant.err = gateway.ErrOverloaded

	resp := env.do(t, "POST", "/api/ai_query", testToken, `{"query":"hi"}`)
	var body errorBody
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusServiceUnavailable || body.Error != "Overloaded" {
		t.Errorf("status = %d, error = %q", resp.StatusCode, body.Error)
	}
}

func TestQuery_InternalError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.assistant.err = errors.New("kaboom")

	resp := env.do(t, "POST", "/api/ai_query", testToken, `{"query":"hi"}`)
	var body errorBody
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
	// Internal details must not leak to the client.
	if strings.Contains(body.Message, "kaboom") {
		t.Errorf("message leaks internals: %q", body.Message)
	}
}

func TestQuery_DeadlineBoundsSlowPipeline(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, WithTaskTimeout(50*time.Millisecond))
	env.assistant.block = make(chan struct{})

	resp := env.do(t, "POST", "/api/ai_query", testToken, `{"query":"hi"}`)
	var body errorBody
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.assistant.turns = []memory.Turn{
		{Role: memory.RoleAssistant, Content: "hi there", CreatedAt: time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC)},
		{Role: memory.RoleUser, Content: "hello", CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}

	resp := env.do(t, "POST", "/api/get_user_history", testToken, `{"user_id":"u1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		UserID string `json:"user_id"`
		Turns  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"turns"`
	}
	decodeBody(t, resp, &body)
	if body.UserID != "u1" || len(body.Turns) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Turns[0].Role != "assistant" || body.Turns[1].Content != "hello" {
		t.Errorf("turns = %+v", body.Turns)
	}
}

func TestHistory_UserMismatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/api/get_user_history", testToken, `{"user_id":"other"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestLogout(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/logout", testToken, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if len(env.auth.revoked) != 1 || env.auth.revoked[0] != testToken {
		t.Errorf("revoked = %v", env.auth.revoked)
	}
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/api/change_password", testToken, `{"old_password":"wrong","new_password":"longenough"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong old password status = %d, want 401", resp.StatusCode)
	}

	resp = env.do(t, "POST", "/api/change_password", testToken, `{"old_password":"hunter2","new_password":"longenough"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if !env.auth.passChanged {
		t.Error("password change not applied")
	}
}

func TestDeleteAccount(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/api/delete_account", testToken, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(env.assistant.deleted) != 1 || env.assistant.deleted[0] != "u1" {
		t.Errorf("pipeline deletions = %v", env.assistant.deleted)
	}
	if len(env.auth.deletedIDs) != 1 || env.auth.deletedIDs[0] != "u1" {
		t.Errorf("account deletions = %v", env.auth.deletedIDs)
	}
}

func TestPluginList(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.do(t, "GET", "/plugins", testToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body []pluginBody
	decodeBody(t, resp, &body)

	// websearch is premium and the caller is free tier, so only the two
	// visible plugins appear, sorted by name.
	if len(body) != 2 {
		t.Fatalf("plugins = %+v", body)
	}
	if body[0].Name != "timeinfo" || body[1].Name != "weather" {
		t.Errorf("order = %s, %s", body[0].Name, body[1].Name)
	}
	if body[0].Enabled || !body[1].Enabled {
		t.Errorf("enabled flags = %+v", body)
	}
}

func TestPluginToggle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.do(t, "POST", "/plugins/timeinfo/enable", testToken, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable status = %d", resp.StatusCode)
	}

	resp = env.do(t, "POST", "/plugins/ghost/disable", testToken, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown plugin status = %d, want 404", resp.StatusCode)
	}

	if len(env.plugins.toggles) != 1 || env.plugins.toggles[0] != "enable:timeinfo" {
		t.Errorf("toggles = %v", env.plugins.toggles)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, WithVersion("1.2.3"))

	resp := env.do(t, "GET", "/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status  string `json:"status"`
		UptimeS *int64 `json:"uptime_s"`
		Version string `json:"version"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "ok" || body.Version != "1.2.3" {
		t.Errorf("body = %+v", body)
	}
	if body.UptimeS == nil || *body.UptimeS < 0 {
		t.Errorf("uptime_s = %v", body.UptimeS)
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, WithCORSOrigins([]string{"https://app.voxa.example"}))

	req, _ := http.NewRequest("OPTIONS", env.srv.URL+"/api/ai_query", nil)
	req.Header.Set("Origin", "https://app.voxa.example")
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.voxa.example" {
		t.Errorf("allow origin = %q", got)
	}

	req, _ = http.NewRequest("OPTIONS", env.srv.URL+"/api/ai_query", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q for unlisted origin", got)
	}
}
