package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"
)

// jaroWinklerThreshold is the minimum similarity for a fuzzy fact match when
// no keyword of the query appears verbatim in the fact text.
const jaroWinklerThreshold = 0.85

// defaultTurnLimit caps query results when the caller passes limit <= 0.
const defaultTurnLimit = 200

// MemStore is an in-process [Store]. It backs deployments without a
// PostgreSQL DSN and all package tests. Data does not survive restarts.
type MemStore struct {
	mu    sync.RWMutex
	turns map[string][]Turn // keyed by user ID, chronological
	facts map[string][]Fact // keyed by user ID, insertion order
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{
		turns: make(map[string][]Turn),
		facts: make(map[string][]Fact),
	}
}

// AppendTurn implements [TurnLog].
func (s *MemStore) AppendTurn(_ context.Context, turn Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.UserID] = append(s.turns[turn.UserID], turn)
	return nil
}

// SessionTurns implements [TurnLog].
func (s *MemStore) SessionTurns(_ context.Context, userID, sessionID string, since time.Time, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = defaultTurnLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Turn{}
	for _, t := range s.turns[userID] {
		if t.SessionID != sessionID {
			continue
		}
		if !since.IsZero() && t.CreatedAt.Before(since) {
			continue
		}
		out = append(out, t)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// UserTurns implements [TurnLog].
func (s *MemStore) UserTurns(_ context.Context, userID string, before time.Time, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = defaultTurnLimit
	}
	if before.IsZero() {
		before = time.Now().Add(time.Second)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Turn{}
	all := s.turns[userID]
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].CreatedAt.Before(before) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// DeleteUserTurns implements [TurnLog].
func (s *MemStore) DeleteUserTurns(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, userID)
	return nil
}

// AddFact implements [FactStore].
func (s *MemStore) AddFact(_ context.Context, fact Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	facts := s.facts[fact.UserID]
	for i, f := range facts {
		if f.ID == fact.ID {
			facts[i] = fact
			return nil
		}
	}
	s.facts[fact.UserID] = append(facts, fact)
	return nil
}

// SearchFacts implements [FactStore]. Facts containing a query keyword as a
// substring rank first, ordered by importance; remaining slots are filled by
// Jaro-Winkler similarity so misspelled or inflected keywords still match.
func (s *MemStore) SearchFacts(_ context.Context, userID, query string, k int) ([]Fact, error) {
	if k <= 0 {
		return []Fact{}, nil
	}
	keywords := queryKeywords(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		fact  Fact
		exact bool
		score float64
	}
	var matches []scored
	for _, f := range s.facts[userID] {
		textLower := strings.ToLower(f.Text)
		if containsAnyKeyword(textLower, keywords) {
			matches = append(matches, scored{fact: f, exact: true, score: f.Importance})
			continue
		}
		if sim := bestKeywordSimilarity(textLower, keywords); sim >= jaroWinklerThreshold {
			matches = append(matches, scored{fact: f, score: sim})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].exact != matches[j].exact {
			return matches[i].exact
		}
		return matches[i].score > matches[j].score
	})

	out := []Fact{}
	for _, m := range matches {
		if len(out) == k {
			break
		}
		out = append(out, m.fact)
	}
	return out, nil
}

// SearchFactsByEmbedding implements [FactStore]. MemStore holds no vector
// index; callers fall back to [MemStore.SearchFacts].
func (s *MemStore) SearchFactsByEmbedding(context.Context, string, []float32, int) ([]Fact, error) {
	return nil, errors.New("memory: in-process store does not support embedding search")
}

// RecentFacts implements [FactStore].
func (s *MemStore) RecentFacts(_ context.Context, userID string, since time.Time, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = defaultTurnLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Fact{}
	all := s.facts[userID]
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if !all[i].CreatedAt.Before(since) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// DeleteFact implements [FactStore].
func (s *MemStore) DeleteFact(_ context.Context, userID, factID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	facts := s.facts[userID]
	for i, f := range facts {
		if f.ID == factID {
			s.facts[userID] = append(facts[:i:i], facts[i+1:]...)
			return nil
		}
	}
	return nil
}

// DeleteUserFacts implements [FactStore].
func (s *MemStore) DeleteUserFacts(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.facts, userID)
	return nil
}

// queryKeywords lowercases and tokenizes the query, dropping words too short
// to be meaningful search terms.
func queryKeywords(query string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) >= 3 {
			out = append(out, w)
		}
	}
	return out
}

func containsAnyKeyword(textLower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(textLower, kw) {
			return true
		}
	}
	return false
}

// bestKeywordSimilarity returns the highest Jaro-Winkler score between any
// query keyword and any word of the fact text.
func bestKeywordSimilarity(textLower string, keywords []string) float64 {
	var best float64
	for _, word := range strings.Fields(textLower) {
		word = strings.Trim(word, ".,!?;:\"'()")
		for _, kw := range keywords {
			if s := matchr.JaroWinkler(kw, word, false); s > best {
				best = s
			}
		}
	}
	return best
}
