package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/voxa-ai/voxa/internal/memory"
)

// MemoryStore implements [memory.Store] on the turns and facts tables.
//
// Obtain one via [Store.Memory] rather than constructing directly.
// All methods are safe for concurrent use.
type MemoryStore struct {
	pool *pgxpool.Pool
}

var _ memory.Store = (*MemoryStore)(nil)

// AppendTurn implements [memory.TurnLog].
func (s *MemoryStore) AppendTurn(ctx context.Context, turn memory.Turn) error {
	const q = `
		INSERT INTO turns
		    (turn_id, user_id, session_id, role, content, tool_name, tool_call_id, token_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (turn_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		turn.ID,
		turn.UserID,
		turn.SessionID,
		string(turn.Role),
		turn.Content,
		turn.ToolName,
		turn.ToolCallID,
		turn.TokenCount,
		turn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("memory store: append turn: %w", err)
	}
	return nil
}

// SessionTurns implements [memory.TurnLog].
func (s *MemoryStore) SessionTurns(ctx context.Context, userID, sessionID string, since time.Time, limit int) ([]memory.Turn, error) {
	if limit <= 0 {
		limit = 200
	}
	const q = `
		SELECT turn_id, user_id, session_id, role, content, tool_name, tool_call_id, token_count, created_at
		FROM   turns
		WHERE  user_id = $1
		  AND  session_id = $2
		  AND  created_at >= $3
		ORDER  BY created_at, turn_id
		LIMIT  $4`

	rows, err := s.pool.Query(ctx, q, userID, sessionID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("memory store: session turns: %w", err)
	}
	return collectTurns(rows)
}

// UserTurns implements [memory.TurnLog].
func (s *MemoryStore) UserTurns(ctx context.Context, userID string, before time.Time, limit int) ([]memory.Turn, error) {
	if limit <= 0 {
		limit = 200
	}
	if before.IsZero() {
		before = time.Now().Add(time.Second)
	}
	const q = `
		SELECT turn_id, user_id, session_id, role, content, tool_name, tool_call_id, token_count, created_at
		FROM   turns
		WHERE  user_id = $1
		  AND  created_at < $2
		ORDER  BY created_at DESC, turn_id DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, userID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("memory store: user turns: %w", err)
	}
	return collectTurns(rows)
}

// DeleteUserTurns implements [memory.TurnLog].
func (s *MemoryStore) DeleteUserTurns(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM turns WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("memory store: delete user turns: %w", err)
	}
	return nil
}

// AddFact implements [memory.FactStore].
func (s *MemoryStore) AddFact(ctx context.Context, fact memory.Fact) error {
	const q = `
		INSERT INTO facts (fact_id, user_id, source_turn_id, text, importance, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (fact_id) DO UPDATE
		SET text = EXCLUDED.text,
		    importance = EXCLUDED.importance,
		    embedding = EXCLUDED.embedding`

	var embedding any
	if fact.Embedding != nil {
		embedding = pgvector.NewVector(fact.Embedding)
	}
	_, err := s.pool.Exec(ctx, q,
		fact.ID,
		fact.UserID,
		fact.SourceTurnID,
		fact.Text,
		fact.Importance,
		embedding,
		fact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("memory store: add fact: %w", err)
	}
	return nil
}

// SearchFacts implements [memory.FactStore] using full-text search with a
// trailing ILIKE fallback for queries the simple dictionary cannot stem.
func (s *MemoryStore) SearchFacts(ctx context.Context, userID, query string, k int) ([]memory.Fact, error) {
	if k <= 0 {
		return []memory.Fact{}, nil
	}
	const q = `
		SELECT fact_id, user_id, source_turn_id, text, importance, created_at
		FROM   facts
		WHERE  user_id = $1
		  AND  (to_tsvector('simple', text) @@ plainto_tsquery('simple', $2)
		        OR text ILIKE '%' || $2 || '%')
		ORDER  BY ts_rank(to_tsvector('simple', text), plainto_tsquery('simple', $2)) DESC,
		          importance DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, userID, query, k)
	if err != nil {
		return nil, fmt.Errorf("memory store: search facts: %w", err)
	}
	return collectFacts(rows)
}

// SearchFactsByEmbedding implements [memory.FactStore] using pgvector cosine
// distance over the embedding column.
func (s *MemoryStore) SearchFactsByEmbedding(ctx context.Context, userID string, embedding []float32, k int) ([]memory.Fact, error) {
	if k <= 0 {
		return []memory.Fact{}, nil
	}
	const q = `
		SELECT fact_id, user_id, source_turn_id, text, importance, created_at
		FROM   facts
		WHERE  user_id = $1
		  AND  embedding IS NOT NULL
		ORDER  BY embedding <=> $2
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, userID, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("memory store: search facts by embedding: %w", err)
	}
	return collectFacts(rows)
}

// RecentFacts implements [memory.FactStore].
func (s *MemoryStore) RecentFacts(ctx context.Context, userID string, since time.Time, limit int) ([]memory.Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT fact_id, user_id, source_turn_id, text, importance, created_at
		FROM   facts
		WHERE  user_id = $1
		  AND  created_at >= $2
		ORDER  BY created_at DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("memory store: recent facts: %w", err)
	}
	return collectFacts(rows)
}

// DeleteFact implements [memory.FactStore].
func (s *MemoryStore) DeleteFact(ctx context.Context, userID, factID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM facts WHERE user_id = $1 AND fact_id = $2`, userID, factID)
	if err != nil {
		return fmt.Errorf("memory store: delete fact: %w", err)
	}
	return nil
}

// DeleteUserFacts implements [memory.FactStore].
func (s *MemoryStore) DeleteUserFacts(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM facts WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("memory store: delete user facts: %w", err)
	}
	return nil
}

func collectTurns(rows pgx.Rows) ([]memory.Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Turn, error) {
		var (
			t    memory.Turn
			role string
		)
		if err := row.Scan(
			&t.ID,
			&t.UserID,
			&t.SessionID,
			&role,
			&t.Content,
			&t.ToolName,
			&t.ToolCallID,
			&t.TokenCount,
			&t.CreatedAt,
		); err != nil {
			return memory.Turn{}, err
		}
		t.Role = memory.Role(role)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory store: scan turns: %w", err)
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	return turns, nil
}

func collectFacts(rows pgx.Rows) ([]memory.Fact, error) {
	facts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Fact, error) {
		var f memory.Fact
		if err := row.Scan(
			&f.ID,
			&f.UserID,
			&f.SourceTurnID,
			&f.Text,
			&f.Importance,
			&f.CreatedAt,
		); err != nil {
			return memory.Fact{}, err
		}
		return f, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory store: scan facts: %w", err)
	}
	if facts == nil {
		facts = []memory.Fact{}
	}
	return facts, nil
}
