package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// failStore wraps a MemStore and fails operations on demand.
type failStore struct {
	*MemStore

	mu          sync.Mutex
	failAppends int // fail this many AppendTurn calls, then succeed
	failReads   bool
}

func (s *failStore) AppendTurn(ctx context.Context, turn Turn) error {
	s.mu.Lock()
	shouldFail := s.failAppends > 0
	if shouldFail {
		s.failAppends--
	}
	s.mu.Unlock()
	if shouldFail {
		return errors.New("disk on fire")
	}
	return s.MemStore.AppendTurn(ctx, turn)
}

func (s *failStore) SessionTurns(ctx context.Context, userID, sessionID string, since time.Time, limit int) ([]Turn, error) {
	s.mu.Lock()
	failReads := s.failReads
	s.mu.Unlock()
	if failReads {
		return nil, errors.New("disk on fire")
	}
	return s.MemStore.SessionTurns(ctx, userID, sessionID, since, limit)
}

func newTestManager(t *testing.T, store Store, opts ...ManagerOption) *Manager {
	t.Helper()
	m := NewManager(store, opts...)
	t.Cleanup(m.Close)
	return m
}

func appendTurns(t *testing.T, m *Manager, userID, sessionID string, contents ...string) {
	t.Helper()
	for _, c := range contents {
		err := m.AppendTurn(context.Background(), Turn{
			UserID:    userID,
			SessionID: sessionID,
			Role:      RoleUser,
			Content:   c,
		})
		if err != nil {
			t.Fatalf("AppendTurn(%q): %v", c, err)
		}
	}
}

func TestAppendTurn_FillsDefaults(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	m := newTestManager(t, store)

	appendTurns(t, m, "u1", "s1", "hello there")

	turns, err := store.SessionTurns(context.Background(), "u1", "s1", time.Time{}, 0)
	if err != nil {
		t.Fatalf("SessionTurns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("got %d turns, want 1", len(turns))
	}
	got := turns[0]
	if got.ID == "" {
		t.Error("turn ID was not generated")
	}
	if got.TokenCount == 0 {
		t.Error("token count was not estimated")
	}
	if got.CreatedAt.IsZero() {
		t.Error("created-at was not set")
	}
}

func TestAppendTurn_RejectsInvalidRole(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, NewMemStore())
	err := m.AppendTurn(context.Background(), Turn{UserID: "u1", Role: Role("narrator")})
	if err == nil {
		t.Fatal("expected error for invalid role, got nil")
	}
}

func TestLoadContext_UserIsolation(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, NewMemStore())

	appendTurns(t, m, "u1", "s1", "my favourite colour is green")
	appendTurns(t, m, "u2", "s2", "my favourite colour is red")
	if _, err := m.AddFact(context.Background(), "u1", "User likes green", 0.8, ""); err != nil {
		t.Fatalf("AddFact: %v", err)
	}

	cctx := m.LoadContext(context.Background(), "u2", "s2", "what is my favourite colour", 4096)
	for _, turn := range cctx.Turns {
		if turn.UserID != "u2" {
			t.Errorf("context for u2 contains turn of %s", turn.UserID)
		}
	}
	for _, f := range append(cctx.LongTermFacts, cctx.MidTermFacts...) {
		if f.UserID != "u2" {
			t.Errorf("context for u2 contains fact of %s", f.UserID)
		}
	}
}

func TestLoadContext_BudgetFillsFromMostRecent(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, NewMemStore())

	// Each turn estimates to 100/4+4 = 29 tokens.
	for i := 0; i < 10; i++ {
		appendTurns(t, m, "u1", "s1", fmt.Sprintf("%02d %s", i, strings.Repeat("x", 97)))
	}

	// Budget for roughly three turns.
	cctx := m.LoadContext(context.Background(), "u1", "s1", "anything", 90)
	if len(cctx.Turns) != 3 {
		t.Fatalf("got %d turns, want 3", len(cctx.Turns))
	}
	// The most recent turns are kept, oldest first.
	if got := cctx.Turns[0].Content[:2]; got != "07" {
		t.Errorf("first included turn = %q, want the 8th turn", got)
	}
	if got := cctx.Turns[2].Content[:2]; got != "09" {
		t.Errorf("last included turn = %q, want the 10th turn", got)
	}
	if cctx.TokenCount > 90 {
		t.Errorf("TokenCount %d exceeds budget 90", cctx.TokenCount)
	}
}

func TestLoadContext_ZeroBudgetIsEmpty(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, NewMemStore())
	appendTurns(t, m, "u1", "s1", "hello")

	cctx := m.LoadContext(context.Background(), "u1", "s1", "hello", 0)
	if len(cctx.Turns) != 0 || cctx.TokenCount != 0 {
		t.Errorf("zero budget should produce empty context, got %d turns / %d tokens",
			len(cctx.Turns), cctx.TokenCount)
	}
}

func TestLoadContext_ShortWindowExcludesOldTurns(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	m := newTestManager(t, store, WithShortTermWindow(10*time.Minute))

	old := Turn{
		UserID: "u1", SessionID: "s1", Role: RoleUser,
		Content: "ancient history", CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := m.AppendTurn(context.Background(), old); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	appendTurns(t, m, "u1", "s1", "recent news")

	cctx := m.LoadContext(context.Background(), "u1", "s1", "news", 4096)
	if len(cctx.Turns) != 1 {
		t.Fatalf("got %d turns, want 1", len(cctx.Turns))
	}
	if cctx.Turns[0].Content != "recent news" {
		t.Errorf("included turn = %q, want the recent one", cctx.Turns[0].Content)
	}
}

func TestLoadContext_IncludesRelevantFacts(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, NewMemStore())

	if _, err := m.AddFact(context.Background(), "u1", "User's name is Marcin", 0.9, ""); err != nil {
		t.Fatalf("AddFact: %v", err)
	}
	if _, err := m.AddFact(context.Background(), "u1", "User lives in Warszawa", 0.7, ""); err != nil {
		t.Fatalf("AddFact: %v", err)
	}

	cctx := m.LoadContext(context.Background(), "u1", "s1", "where does Marcin live", 4096)
	found := false
	for _, f := range cctx.LongTermFacts {
		if f.Text == "User's name is Marcin" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected name fact in long-term context, got %+v", cctx.LongTermFacts)
	}
	// Facts created today also show up in mid-term unless already included.
	for _, mid := range cctx.MidTermFacts {
		for _, long := range cctx.LongTermFacts {
			if mid.ID == long.ID {
				t.Errorf("fact %s duplicated across tiers", mid.ID)
			}
		}
	}
}

func TestLoadContext_ReadFailureDegradesToEmpty(t *testing.T) {
	t.Parallel()
	store := &failStore{MemStore: NewMemStore()}
	m := newTestManager(t, store)

	appendTurns(t, m, "u1", "s1", "hello")
	store.mu.Lock()
	store.failReads = true
	store.mu.Unlock()

	cctx := m.LoadContext(context.Background(), "u1", "s1", "hello", 4096)
	if len(cctx.Turns) != 0 {
		t.Errorf("read failure should yield no turns, got %d", len(cctx.Turns))
	}
}

func TestAppendTurn_WriteFailureQueuesRetry(t *testing.T) {
	t.Parallel()
	store := &failStore{MemStore: NewMemStore(), failAppends: 1}
	m := newTestManager(t, store)

	err := m.AppendTurn(context.Background(), Turn{
		UserID: "u1", SessionID: "s1", Role: RoleUser, Content: "persist me",
	})
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("err = %v, want ErrWriteFailed", err)
	}

	// The retry worker should land the turn after its first backoff.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		turns, _ := store.MemStore.SessionTurns(context.Background(), "u1", "s1", time.Time{}, 0)
		if len(turns) == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("turn was not persisted by the retry worker")
}

func TestReset_MidTierExcludesEarlierFacts(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, NewMemStore())

	if _, err := m.AddFact(context.Background(), "u1", "User drinks coffee", 0.5, ""); err != nil {
		t.Fatalf("AddFact: %v", err)
	}
	if err := m.Reset(context.Background(), "u1", TierMid); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := m.AddFact(context.Background(), "u1", "User switched to tea", 0.5, ""); err != nil {
		t.Fatalf("AddFact: %v", err)
	}

	cctx := m.LoadContext(context.Background(), "u1", "s1", "unrelated query zzz", 4096)
	for _, f := range cctx.MidTermFacts {
		if f.Text == "User drinks coffee" {
			t.Error("mid-term context contains a fact from before the reset")
		}
	}
	found := false
	for _, f := range cctx.MidTermFacts {
		if f.Text == "User switched to tea" {
			found = true
		}
	}
	if !found {
		t.Errorf("mid-term context missing post-reset fact, got %+v", cctx.MidTermFacts)
	}
}

func TestReset_LongTierDeletesFacts(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	m := newTestManager(t, store)

	if _, err := m.AddFact(context.Background(), "u1", "User's name is Marcin", 0.9, ""); err != nil {
		t.Fatalf("AddFact: %v", err)
	}
	if err := m.Reset(context.Background(), "u1", TierLong); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	facts, err := m.SearchFacts(context.Background(), "u1", "Marcin", 5)
	if err != nil {
		t.Fatalf("SearchFacts: %v", err)
	}
	if len(facts) != 0 {
		t.Errorf("long-term reset should delete facts, got %d", len(facts))
	}
}

func TestReset_UnknownTier(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, NewMemStore())
	if err := m.Reset(context.Background(), "u1", TierName("eternal")); err == nil {
		t.Fatal("expected error for unknown tier, got nil")
	}
}

func TestDeleteUser_RemovesEverything(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	m := newTestManager(t, store)

	appendTurns(t, m, "u1", "s1", "hello")
	if _, err := m.AddFact(context.Background(), "u1", "User's name is Marcin", 0.9, ""); err != nil {
		t.Fatalf("AddFact: %v", err)
	}

	if err := m.DeleteUser(context.Background(), "u1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	turns, _ := store.SessionTurns(context.Background(), "u1", "s1", time.Time{}, 0)
	if len(turns) != 0 {
		t.Errorf("turns survived user deletion: %d", len(turns))
	}
	facts, _ := store.SearchFacts(context.Background(), "u1", "Marcin", 5)
	if len(facts) != 0 {
		t.Errorf("facts survived user deletion: %d", len(facts))
	}
}

func TestConcurrentAppends_AllPersisted(t *testing.T) {
	t.Parallel()
	store := NewMemStore()
	m := newTestManager(t, store)

	const perUser = 20
	var wg sync.WaitGroup
	for _, user := range []string{"u1", "u2", "u3"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			for i := 0; i < perUser; i++ {
				_ = m.AppendTurn(context.Background(), Turn{
					UserID: u, SessionID: "s-" + u, Role: RoleUser,
					Content: fmt.Sprintf("message %d", i),
				})
			}
		}(user)
	}
	wg.Wait()

	for _, u := range []string{"u1", "u2", "u3"} {
		turns, err := store.SessionTurns(context.Background(), u, "s-"+u, time.Time{}, 0)
		if err != nil {
			t.Fatalf("SessionTurns(%s): %v", u, err)
		}
		if len(turns) != perUser {
			t.Errorf("user %s: got %d turns, want %d", u, len(turns), perUser)
		}
	}
}
