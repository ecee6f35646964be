package memory

import (
	"context"
	"errors"
	"time"
)

// ErrWriteFailed wraps persistent storage failures on the write path. Callers
// may still answer the user; the failed turn is queued for retry.
var ErrWriteFailed = errors.New("memory: write failed")

// TurnLog is the durable, append-only per-user conversation log.
//
// Every query filters on user ID; implementations must never return another
// user's turns. Turns are returned in chronological order unless stated
// otherwise. Implementations must be safe for concurrent use.
type TurnLog interface {
	// AppendTurn appends a turn to the log.
	// Returns an error only on persistent storage failure.
	AppendTurn(ctx context.Context, turn Turn) error

	// SessionTurns returns the turns of (userID, sessionID) created after
	// the since instant, capped at limit. A zero since disables the lower
	// bound; limit <= 0 applies an implementation default.
	SessionTurns(ctx context.Context, userID, sessionID string, since time.Time, limit int) ([]Turn, error)

	// UserTurns returns the most recent turns across all of userID's
	// sessions created before the before instant, newest first, capped at
	// limit. A zero before means now.
	UserTurns(ctx context.Context, userID string, before time.Time, limit int) ([]Turn, error)

	// DeleteUserTurns removes every turn belonging to userID.
	// Deleting for an unknown user is not an error.
	DeleteUserTurns(ctx context.Context, userID string) error
}

// FactStore is the durable long-term fact store.
//
// Implementations must be safe for concurrent use and must scope every
// operation to the given user ID.
type FactStore interface {
	// AddFact stores a fact. Facts with the same ID are replaced (upsert).
	AddFact(ctx context.Context, fact Fact) error

	// SearchFacts returns up to k facts of userID relevant to query, most
	// relevant first. Relevance is keyword-based; implementations may use
	// fuzzy matching as a fallback when exact matches are scarce.
	SearchFacts(ctx context.Context, userID, query string, k int) ([]Fact, error)

	// SearchFactsByEmbedding returns up to k facts of userID closest to the
	// query embedding, most similar first. Implementations without vector
	// support return an error.
	SearchFactsByEmbedding(ctx context.Context, userID string, embedding []float32, k int) ([]Fact, error)

	// RecentFacts returns userID's facts created at or after the since
	// instant, newest first, capped at limit.
	RecentFacts(ctx context.Context, userID string, since time.Time, limit int) ([]Fact, error)

	// DeleteFact removes a single fact. Unknown IDs are not an error.
	DeleteFact(ctx context.Context, userID, factID string) error

	// DeleteUserFacts removes every fact belonging to userID.
	DeleteUserFacts(ctx context.Context, userID string) error
}

// Store combines the durable tiers backing a [Manager].
type Store interface {
	TurnLog
	FactStore
}
