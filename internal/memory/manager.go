package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxa-ai/voxa/pkg/provider/embeddings"
)

// Tier names a memory tier for [Manager.Reset].
type TierName string

const (
	TierShort TierName = "short"
	TierMid   TierName = "mid"
	TierLong  TierName = "long"
)

// Context is the prompt context assembled by [Manager.LoadContext].
type Context struct {
	// LongTermFacts are the most relevant durable facts for the query.
	LongTermFacts []Fact

	// MidTermFacts are facts extracted since the last daily reset.
	MidTermFacts []Fact

	// Turns is the short-term conversation tail, oldest first.
	Turns []Turn

	// TokenCount is the estimated token cost of everything included.
	TokenCount int
}

// Manager coordinates the three memory tiers for all users.
//
// All mutations of a single user's memory are serialized behind a per-user
// lock; reads under the same lock see a consistent snapshot. Users never
// contend with each other.
type Manager struct {
	store    Store
	embedder embeddings.Provider // nil when no embedding backend is configured
	retry    *retryQueue

	shortWindow time.Duration
	shortTokens int
	factK       int
	midnightLoc *time.Location

	now func() time.Time

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	resets map[string]tierResets
}

// tierResets records explicit per-user reset instants. A turn or fact created
// before the relevant instant is excluded from that tier.
type tierResets struct {
	short time.Time
	mid   time.Time
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithEmbeddings enables semantic fact search using the given provider.
// Without it, fact search falls back to keyword matching.
func WithEmbeddings(p embeddings.Provider) ManagerOption {
	return func(m *Manager) { m.embedder = p }
}

// WithShortTermWindow bounds the short-term tier by wall clock.
// Defaults to 20 minutes.
func WithShortTermWindow(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.shortWindow = d
		}
	}
}

// WithShortTermTokens bounds the short-term tier by token count.
// Defaults to 4000.
func WithShortTermTokens(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.shortTokens = n
		}
	}
}

// WithFactSearchK sets how many long-term facts LoadContext retrieves.
// Defaults to 5.
func WithFactSearchK(k int) ManagerOption {
	return func(m *Manager) {
		if k > 0 {
			m.factK = k
		}
	}
}

// WithMidnightLocation sets the time zone governing the mid-term daily reset.
// Defaults to the server's local zone.
func WithMidnightLocation(loc *time.Location) ManagerOption {
	return func(m *Manager) {
		if loc != nil {
			m.midnightLoc = loc
		}
	}
}

// NewManager creates a memory manager over the given durable store and starts
// the background retry worker for failed writes. Call [Manager.Close] on
// shutdown.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       store,
		shortWindow: 20 * time.Minute,
		shortTokens: 4000,
		factK:       5,
		midnightLoc: time.Local,
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
		resets:      make(map[string]tierResets),
	}
	for _, o := range opts {
		o(m)
	}
	m.retry = newRetryQueue(store)
	return m
}

// Close stops the background retry worker.
func (m *Manager) Close() {
	m.retry.stop()
}

// userLock returns the mutex serializing userID's memory operations,
// creating it on first use.
func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

func (m *Manager) userResets(userID string) tierResets {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets[userID]
}

// AppendTurn records a turn in the durable log. Missing ID, TokenCount, and
// CreatedAt fields are filled in.
//
// On storage failure the turn is queued for background retry and the returned
// error wraps [ErrWriteFailed]; the caller may still answer the user.
func (m *Manager) AppendTurn(ctx context.Context, turn Turn) error {
	if turn.UserID == "" {
		return fmt.Errorf("memory: append turn: user ID is required")
	}
	if !turn.Role.IsValid() {
		return fmt.Errorf("memory: append turn: invalid role %q", turn.Role)
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.TokenCount == 0 {
		turn.TokenCount = EstimateTokens(turn.Content)
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = m.now()
	}

	l := m.userLock(turn.UserID)
	l.Lock()
	defer l.Unlock()

	if err := m.store.AppendTurn(ctx, turn); err != nil {
		slog.Error("memory write failure, turn queued for retry",
			"user_id", turn.UserID, "turn_id", turn.ID, "err", err)
		m.retry.enqueue(turn)
		return fmt.Errorf("%w: append turn %s: %v", ErrWriteFailed, turn.ID, err)
	}
	return nil
}

// AddFact stores a long-term fact for userID. When an embedding backend is
// configured the fact text is embedded first; embedding failures are logged
// and the fact is stored without a vector.
func (m *Manager) AddFact(ctx context.Context, userID, text string, importance float64, sourceTurnID string) (Fact, error) {
	fact := Fact{
		ID:           uuid.NewString(),
		UserID:       userID,
		SourceTurnID: sourceTurnID,
		Text:         text,
		Importance:   importance,
		CreatedAt:    m.now(),
	}
	if m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, text)
		if err != nil {
			slog.Warn("fact embedding failed, storing without vector",
				"user_id", userID, "err", err)
		} else {
			fact.Embedding = vec
		}
	}

	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := m.store.AddFact(ctx, fact); err != nil {
		return Fact{}, fmt.Errorf("%w: add fact: %v", ErrWriteFailed, err)
	}
	return fact, nil
}

// SearchFacts returns up to k long-term facts of userID relevant to query,
// using semantic search when an embedding backend is configured and keyword
// search otherwise.
func (m *Manager) SearchFacts(ctx context.Context, userID, query string, k int) ([]Fact, error) {
	if k <= 0 {
		k = m.factK
	}
	if m.embedder != nil {
		vec, err := m.embedder.Embed(ctx, query)
		if err == nil {
			facts, err := m.store.SearchFactsByEmbedding(ctx, userID, vec, k)
			if err == nil {
				return facts, nil
			}
			slog.Warn("embedding fact search failed, falling back to keywords",
				"user_id", userID, "err", err)
		} else {
			slog.Warn("query embedding failed, falling back to keywords",
				"user_id", userID, "err", err)
		}
	}
	return m.store.SearchFacts(ctx, userID, query, k)
}

// DeleteFact removes a single long-term fact.
func (m *Manager) DeleteFact(ctx context.Context, userID, factID string) error {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return m.store.DeleteFact(ctx, userID, factID)
}

// UserHistory returns up to limit of userID's turns created before the given
// instant, newest first. A zero before means now.
func (m *Manager) UserHistory(ctx context.Context, userID string, before time.Time, limit int) ([]Turn, error) {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()
	return m.store.UserTurns(ctx, userID, before, limit)
}

// LoadContext assembles prompt context for a query within budgetTokens.
//
// Composition fills the budget greedily from the most recent short-term turn
// backwards, then inserts long-term and mid-term facts until the budget is
// exhausted. Facts that do not fit are dropped.
//
// Storage read failures degrade to an empty (or partial) context; they are
// logged, never surfaced. The result only ever contains userID's own data.
func (m *Manager) LoadContext(ctx context.Context, userID, sessionID, query string, budgetTokens int) Context {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()

	res := Context{LongTermFacts: []Fact{}, MidTermFacts: []Fact{}, Turns: []Turn{}}
	if budgetTokens <= 0 {
		return res
	}
	now := m.now()
	resets := m.userResets(userID)

	// Short-term tail first: most recent turns win context slots.
	since := now.Add(-m.shortWindow)
	if resets.short.After(since) {
		since = resets.short
	}
	turns, err := m.store.SessionTurns(ctx, userID, sessionID, since, 0)
	if err != nil {
		slog.Warn("memory read failure, proceeding with empty context",
			"user_id", userID, "session_id", sessionID, "err", err)
		turns = nil
	}
	tierCap := min(m.shortTokens, budgetTokens)
	used := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		cost := turns[i].TokenCount
		if cost == 0 {
			cost = EstimateTokens(turns[i].Content)
		}
		if used+cost > tierCap {
			break
		}
		used += cost
		start = i
	}
	res.Turns = turns[start:]
	res.TokenCount = used

	// Long-term facts relevant to the query.
	longFacts, err := m.searchFactsLocked(ctx, userID, query)
	if err != nil {
		slog.Warn("long-term fact search failed", "user_id", userID, "err", err)
		longFacts = nil
	}
	for _, f := range longFacts {
		cost := EstimateTokens(f.Text)
		if res.TokenCount+cost > budgetTokens {
			continue
		}
		res.LongTermFacts = append(res.LongTermFacts, f)
		res.TokenCount += cost
	}

	// Mid-term facts of the current day.
	midSince := midnightBefore(now, m.midnightLoc)
	if resets.mid.After(midSince) {
		midSince = resets.mid
	}
	midFacts, err := m.store.RecentFacts(ctx, userID, midSince, m.factK*2)
	if err != nil {
		slog.Warn("mid-term fact load failed", "user_id", userID, "err", err)
		midFacts = nil
	}
	seen := make(map[string]struct{}, len(res.LongTermFacts))
	for _, f := range res.LongTermFacts {
		seen[f.ID] = struct{}{}
	}
	for _, f := range midFacts {
		if _, dup := seen[f.ID]; dup {
			continue
		}
		cost := EstimateTokens(f.Text)
		if res.TokenCount+cost > budgetTokens {
			continue
		}
		res.MidTermFacts = append(res.MidTermFacts, f)
		res.TokenCount += cost
	}

	return res
}

// searchFactsLocked is SearchFacts without taking the user lock; the caller
// already holds it.
func (m *Manager) searchFactsLocked(ctx context.Context, userID, query string) ([]Fact, error) {
	if m.embedder != nil {
		if vec, err := m.embedder.Embed(ctx, query); err == nil {
			if facts, err := m.store.SearchFactsByEmbedding(ctx, userID, vec, m.factK); err == nil {
				return facts, nil
			}
		}
	}
	return m.store.SearchFacts(ctx, userID, query, m.factK)
}

// Reset clears one tier of userID's memory. Short and mid resets are marker
// based; long-term reset deletes the user's durable facts.
func (m *Manager) Reset(ctx context.Context, userID string, tier TierName) error {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()

	switch tier {
	case TierShort:
		m.setReset(userID, func(r *tierResets) { r.short = m.now() })
	case TierMid:
		m.setReset(userID, func(r *tierResets) { r.mid = m.now() })
	case TierLong:
		if err := m.store.DeleteUserFacts(ctx, userID); err != nil {
			return fmt.Errorf("memory: reset long-term for %s: %w", userID, err)
		}
	default:
		return fmt.Errorf("memory: unknown tier %q", tier)
	}
	return nil
}

// DeleteUser removes every turn and fact belonging to userID. Called when an
// account is deleted.
func (m *Manager) DeleteUser(ctx context.Context, userID string) error {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := m.store.DeleteUserTurns(ctx, userID); err != nil {
		return fmt.Errorf("memory: delete turns for %s: %w", userID, err)
	}
	if err := m.store.DeleteUserFacts(ctx, userID); err != nil {
		return fmt.Errorf("memory: delete facts for %s: %w", userID, err)
	}
	m.mu.Lock()
	delete(m.resets, userID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) setReset(userID string, apply func(*tierResets)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.resets[userID]
	apply(&r)
	m.resets[userID] = r
}

// midnightBefore returns the most recent local midnight at or before t.
func midnightBefore(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
