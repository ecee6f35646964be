// Package memory implements the tiered per-user conversation memory for the
// Voxa assistant server.
//
// Memory is organised as three tiers of increasing retention, all keyed by
// user ID:
//
//   - Short-term: the tail of the active session's turns, bounded by a
//     wall-clock window and a token ceiling, whichever is tighter.
//   - Mid-term: the current day's turns plus facts extracted during the day,
//     reset at local midnight or on explicit request.
//   - Long-term: durable facts about the user, searchable by keyword and,
//     when an embedding backend is configured, by semantic similarity.
//
// The [Manager] serializes all mutations of a single user's memory behind a
// per-user lock and composes token-budgeted prompt context via
// [Manager.LoadContext]. Durable storage is abstracted behind [Store] so the
// manager works against PostgreSQL or the in-process [MemStore] alike.
package memory

import "time"

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// IsValid reports whether r is a recognised turn role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleTool
}

// Turn is one entry in a user's append-only conversation log.
type Turn struct {
	// ID is the unique identifier for this turn (a UUID).
	ID string

	// UserID is the owning user. Every read path filters on it.
	UserID string

	// SessionID is the session the turn was produced in.
	SessionID string

	// Role is who produced the turn.
	Role Role

	// Content is the turn's text. For tool turns this is the result payload.
	Content string

	// ToolName is set on tool turns: the invoked function's name.
	ToolName string

	// ToolCallID correlates a tool turn with the assistant tool call that
	// requested it.
	ToolCallID string

	// TokenCount is the estimated token cost of Content.
	TokenCount int

	// CreatedAt is when the turn was recorded.
	CreatedAt time.Time
}

// Fact is a short labelled statement about a user, derived from conversation
// and stored durably in the long-term tier.
type Fact struct {
	// ID is the unique identifier for this fact (a UUID).
	ID string

	// UserID is the owning user.
	UserID string

	// SourceTurnID optionally references the turn the fact was derived from.
	SourceTurnID string

	// Text is the fact itself (e.g., "User's name is Marcin").
	Text string

	// Importance ranks the fact in [0, 1]; higher facts win context slots.
	Importance float64

	// Embedding is the fact's vector representation, when an embedding
	// backend is configured. Nil otherwise.
	Embedding []float32

	// CreatedAt is when the fact was stored.
	CreatedAt time.Time
}

// EstimateTokens approximates the token cost of text.
//
// Roughly 4 characters per token for English text, plus a small per-message
// overhead. Good enough for context budgeting; exact counts are the
// provider's job.
func EstimateTokens(text string) int {
	return len(text)/4 + 4
}
